package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/moonbitlang/submission-orchestrator/internal/admission"
	"github.com/moonbitlang/submission-orchestrator/internal/config"
	"github.com/moonbitlang/submission-orchestrator/internal/multiplex"
	"github.com/moonbitlang/submission-orchestrator/internal/supervisor"
	"github.com/moonbitlang/submission-orchestrator/pkg/logging"
	"github.com/moonbitlang/submission-orchestrator/pkg/metrics"
	pkgstrings "github.com/moonbitlang/submission-orchestrator/pkg/strings"
)

// IncrementalRunnerMarker is the file whose presence in a materialised project selects the
// task-local incremental test runner over the generic buffered one, grounded in the original
// reference server's `uses_try_py = (dst_project / "try.py").exists()` check.
const IncrementalRunnerMarker = "try.py"

// maxCapturedOutputLines bounds how many lines of a phase's captured output are retained in
// the verdict, per §3's "captured output (truncated to bound)".
const maxCapturedOutputLines = 200

// maxCapturedLineLen bounds the length of any single retained output line.
const maxCapturedLineLen = 2000

// maxFormattedFailures bounds how many individual failure summaries are attached to a failed
// generic-runner test verdict, matching the original reference server's `failures[:5]`.
const maxFormattedFailures = 5

// Materialiser populates dst from src, preserving private test artefacts. It is the interface
// the out-of-scope Workspace Materialiser is modelled behind; internal/materialiser ships a
// concrete filesystem-based implementation.
type Materialiser interface {
	Sync(srcDir, dstDir string) error
}

// Canceller reports whether the owning submission has been cancelled. *admission.Request
// satisfies this.
type Canceller interface {
	Cancelled() bool
}

// Driver walks one submission through materialise, build, and test phases.
type Driver struct {
	Registry      *admission.Registry
	Materialiser  Materialiser
	WorkspaceRoot string
	Timeouts      config.Timeouts
	Metrics       *metrics.Registry
	Tracer        trace.Tracer
}

// NewDriver constructs a Driver, defaulting Tracer to the global no-op tracer provider when the
// caller hasn't wired a real one — phase spans are emitted either way, they simply go nowhere
// until an exporter is configured.
func NewDriver(registry *admission.Registry, mat Materialiser, workspaceRoot string, timeouts config.Timeouts, m *metrics.Registry) *Driver {
	return &Driver{
		Registry:      registry,
		Materialiser:  mat,
		WorkspaceRoot: workspaceRoot,
		Timeouts:      timeouts,
		Metrics:       m,
		Tracer:        otel.Tracer("submission-orchestrator/pipeline"),
	}
}

// Run drives sub's pipeline to completion: materialise, build, test. It always calls sink's
// methods in the order described in §4.6, whether or not anyone is actually consuming them —
// the buffered transport passes NoopSink{} and relies only on the returned Verdict, keeping the
// buffered and streaming paths symmetric per §9.
func (d *Driver) Run(ctx context.Context, sub Submission, req Canceller, sink EventSink) Verdict {
	sink.RequestID(sub.SubmissionID)

	if req.Cancelled() {
		return d.shortCircuitCancelled(sub, sink)
	}

	src := filepath.Join(d.WorkspaceRoot, "client_data", sub.ProjectID)
	dst := filepath.Join(d.WorkspaceRoot, "server_data", sub.ProjectID)

	if _, err := os.Stat(src); err != nil {
		msg := fmt.Sprintf("Project not found: %s", sub.ProjectID)
		sink.Error("copy", msg)
		sink.Done(false)
		return Verdict{
			SubmissionID: sub.SubmissionID,
			ProjectID:    sub.ProjectID,
			Build:        PhaseVerdict{Status: StatusError, ExitCode: -1, Message: msg},
			CompletedAt:  time.Now(),
		}
	}

	copyCtx, copySpan := d.Tracer.Start(ctx, "phase.copy")
	sink.Phase("copy", sub.ProjectID, "start")
	if err := d.Materialiser.Sync(src, dst); err != nil {
		logging.Warn("pipeline", "materialise %s: %v", sub.ProjectID, err)
	}
	sink.Phase("copy", sub.ProjectID, "pass")
	copySpan.End()
	_ = copyCtx

	if req.Cancelled() {
		return d.shortCircuitCancelled(sub, sink)
	}

	hasIncrementalRunner := fileExists(filepath.Join(dst, IncrementalRunnerMarker))
	if !hasIncrementalRunner && (sub.PerTestDeadline > 0 || sub.TestNameFilter != "" || sub.TestFileFilter != "") {
		return d.rejectFilters(sub, sink)
	}

	buildCtx, buildSpan := d.Tracer.Start(ctx, "phase.build")
	sink.Phase("build", sub.ProjectID, "start")
	buildStart := time.Now()
	buildVerdict := d.runBuild(buildCtx, dst, sub, req)
	buildSpan.End()
	d.observePhase("build", buildVerdict.Status, time.Since(buildStart))

	if buildVerdict.Status == StatusCancelled {
		sink.Phase("build", sub.ProjectID, "fail")
		sink.Error("build", "Cancelled")
		sink.Done(false)
		return Verdict{
			SubmissionID: sub.SubmissionID,
			ProjectID:    sub.ProjectID,
			Build:        buildVerdict,
			CompletedAt:  time.Now(),
		}
	}

	if buildVerdict.Status != StatusPass {
		sink.Phase("build", sub.ProjectID, "fail")
		sink.Error("build", buildVerdict.Message)
		sink.Done(false)
		return Verdict{
			SubmissionID: sub.SubmissionID,
			ProjectID:    sub.ProjectID,
			Build:        buildVerdict,
			CompletedAt:  time.Now(),
		}
	}
	sink.Phase("build", sub.ProjectID, "pass")

	if req.Cancelled() {
		sink.Error("test", "Cancelled")
		sink.Done(false)
		testCancelled := PhaseVerdict{Status: StatusCancelled, ExitCode: -1, Message: "Cancelled"}
		return Verdict{
			SubmissionID: sub.SubmissionID,
			ProjectID:    sub.ProjectID,
			Build:        buildVerdict,
			Test:         &testCancelled,
			CompletedAt:  time.Now(),
		}
	}

	testCtx, testSpan := d.Tracer.Start(ctx, "phase.test")
	sink.Phase("test", sub.ProjectID, "start")
	testStart := time.Now()
	testVerdict := d.runTest(testCtx, dst, sub, req, hasIncrementalRunner, sink)
	testSpan.End()
	d.observePhase("test", testVerdict.Status, time.Since(testStart))

	success := testVerdict.Status == StatusPass
	if success {
		sink.Phase("test", sub.ProjectID, "pass")
	} else {
		sink.Phase("test", sub.ProjectID, "fail")
	}
	sink.Done(success)

	return Verdict{
		SubmissionID: sub.SubmissionID,
		ProjectID:    sub.ProjectID,
		Build:        buildVerdict,
		Test:         &testVerdict,
		CompletedAt:  time.Now(),
	}
}

func (d *Driver) shortCircuitCancelled(sub Submission, sink EventSink) Verdict {
	sink.Error("request", "Cancelled")
	sink.Done(false)
	return Verdict{
		SubmissionID: sub.SubmissionID,
		ProjectID:    sub.ProjectID,
		Build:        PhaseVerdict{Status: StatusCancelled, ExitCode: -1, Message: "Cancelled"},
		CompletedAt:  time.Now(),
	}
}

func (d *Driver) rejectFilters(sub Submission, sink EventSink) Verdict {
	msg := "per_test_deadline/test_name/test_file filters only supported for projects with task-local runner."
	sink.Phase("build", sub.ProjectID, "start")
	sink.Error("build", msg)
	sink.Phase("build", sub.ProjectID, "fail")
	sink.Done(false)
	return Verdict{
		SubmissionID: sub.SubmissionID,
		ProjectID:    sub.ProjectID,
		Build:        PhaseVerdict{Status: StatusError, ExitCode: -1, Message: msg},
		CompletedAt:  time.Now(),
	}
}

// attachFunc returns a callback that registers a freshly spawned child with the admission
// registry under submissionID, so a concurrent /cancel can terminate it directly (and report
// "cancelled" rather than "no_process") instead of waiting for the supervisor's own poll tick.
// Returns nil when the driver has no registry wired (e.g. in unit tests exercising runBuild in
// isolation), in which case the phase still gets cancelled via the polled Cancel flag.
func (d *Driver) attachFunc(submissionID string) func(*supervisor.Process) {
	if d.Registry == nil {
		return nil
	}
	return func(p *supervisor.Process) {
		d.Registry.AttachChild(submissionID, p)
	}
}

func (d *Driver) observePhase(phase string, status PhaseStatus, elapsed time.Duration) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.PhaseVerdicts.WithLabelValues(phase, string(status)).Inc()
	d.Metrics.PhaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// buildArgv is the generic builder, grounded in the reference server's run_moon_build: it
// invokes the project's build driver in build-only mode so failures surface before the test
// phase spends its own deadline on a project that can't compile.
func buildArgv() []string {
	return []string{"moon", "test", "--build-only"}
}

// genericTestArgv is the buffered test runner, grounded in run_moon_test: JSON-shaped failure
// records are only written to stdout when a test fails, and are silent otherwise.
func genericTestArgv() []string {
	return []string{"moon", "test", "--test-failure-json"}
}

// incrementalTestArgv is the task-local runner, grounded in run_cdcl_test_streaming's `cmd`
// construction: one JSON line per test plus an optional leading test-count line and a trailing
// summary line.
func incrementalTestArgv(sub Submission) []string {
	argv := []string{"python3", IncrementalRunnerMarker, "--json"}
	if sub.PerTestDeadline > 0 {
		argv = append(argv, "--timeout", strconv.Itoa(int(sub.PerTestDeadline.Seconds())))
	}
	if sub.TestNameFilter != "" {
		argv = append(argv, "--test-name", sub.TestNameFilter)
	}
	if sub.TestFileFilter != "" {
		argv = append(argv, "--test-file", sub.TestFileFilter)
	}
	return argv
}

func (d *Driver) runBuild(ctx context.Context, dst string, sub Submission, req Canceller) PhaseVerdict {
	deadline := sub.BuildDeadline
	if deadline <= 0 {
		deadline = d.Timeouts.BuildTimeout
	}

	v := supervisor.Run(ctx, buildArgv(), supervisor.Options{
		Dir:         dst,
		Timeout:     deadline,
		GracePeriod: d.Timeouts.GracePeriod,
		Cancel:      req.Cancelled,
		Attach:      d.attachFunc(sub.SubmissionID),
	})

	return fromSupervisorVerdict(v, "Build succeeded", "Build failed")
}

func (d *Driver) runTest(ctx context.Context, dst string, sub Submission, req Canceller, incremental bool, sink EventSink) PhaseVerdict {
	deadline := sub.TestDeadline
	if deadline <= 0 {
		if incremental {
			deadline = d.Timeouts.IncrementalTestTimeout
		} else {
			deadline = d.Timeouts.GenericTestTimeout
		}
	}

	if incremental && sub.Streaming {
		return d.runIncrementalStreaming(ctx, dst, sub, req, deadline, sink)
	}
	return d.runGenericBuffered(ctx, dst, incremental, sub, req, deadline, sink)
}

// runIncrementalStreaming attaches the Line-Stream Multiplexer to a live try.py run so the
// streaming client sees test_result/summary events as they happen.
func (d *Driver) runIncrementalStreaming(ctx context.Context, dst string, sub Submission, req Canceller, deadline time.Duration, sink EventSink) PhaseVerdict {
	proc, err := supervisor.Spawn(ctx, dst, nil, incrementalTestArgv(sub)...)
	if err != nil {
		return PhaseVerdict{Status: StatusError, ExitCode: -1, Message: err.Error()}
	}
	if attach := d.attachFunc(sub.SubmissionID); attach != nil {
		attach(proc)
	}

	result := multiplex.Run(ctx, proc, multiplex.Options{
		Deadline:    deadline,
		KeepAlive:   d.Timeouts.KeepAliveInterval,
		GracePeriod: d.Timeouts.GracePeriod,
		Cancel:      req.Cancelled,
	}, func(ev multiplex.Event) error {
		return forwardMultiplexEvent(ev, sink)
	})

	return phaseVerdictFromMultiplex(result, proc)
}

// runGenericBuffered runs either runner to completion, capturing all output up front, then
// parses it for a summary and up to five formatted failures so the streaming client sees the
// same event shape it would have gotten from a live incremental run (§4.4).
func (d *Driver) runGenericBuffered(ctx context.Context, dst string, incremental bool, sub Submission, req Canceller, deadline time.Duration, sink EventSink) PhaseVerdict {
	argv := genericTestArgv()
	if incremental {
		argv = incrementalTestArgv(sub)
	}

	v := supervisor.Run(ctx, argv, supervisor.Options{
		Dir:         dst,
		Timeout:     deadline,
		GracePeriod: d.Timeouts.GracePeriod,
		Cancel:      req.Cancelled,
		Attach:      d.attachFunc(sub.SubmissionID),
	})

	pv := fromSupervisorVerdict(v, "All tests passed", "Tests failed")

	total, passed, failed, hasSummary := parseSummaryLine(append(v.Stdout, v.Stderr...))
	if hasSummary {
		sink.Summary(total, passed, failed)
	}

	if pv.Status == StatusFail {
		failures := parseFailureLines(v.Stdout, maxFormattedFailures)
		if len(failures) == 0 {
			failures = []string{pkgstrings.TruncateDescription(lastLine(v.Stdout, v.Stderr), 240)}
		}
		for _, f := range failures {
			sink.Error("test", f)
		}
		if hasSummary {
			pv.Message = fmt.Sprintf("%d test(s) failed", failed)
		}
	}

	return pv
}

func fromSupervisorVerdict(v supervisor.Verdict, passMsg, failMsg string) PhaseVerdict {
	output := truncateOutput(append(append([]string{}, v.Stdout...), v.Stderr...))

	switch v.Status {
	case supervisor.StatusPassed:
		return PhaseVerdict{Status: StatusPass, ExitCode: v.ExitCode, Output: output, Message: passMsg}
	case supervisor.StatusFailed:
		return PhaseVerdict{Status: StatusFail, ExitCode: v.ExitCode, Output: output, Message: failMsg}
	case supervisor.StatusTimedOut:
		return PhaseVerdict{Status: StatusTimeout, ExitCode: -1, Output: output, Message: "Timeout", Partial: true}
	case supervisor.StatusCancelled:
		return PhaseVerdict{Status: StatusCancelled, ExitCode: -1, Output: output, Message: "Cancelled"}
	default:
		return PhaseVerdict{Status: StatusError, ExitCode: -1, Output: output, Message: v.Message}
	}
}

func phaseVerdictFromMultiplex(result multiplex.Result, proc *supervisor.Process) PhaseVerdict {
	output := truncateOutput(append(append([]string{}, proc.Stdout()...), proc.Stderr()...))

	switch result.Status {
	case "timed_out":
		return PhaseVerdict{Status: StatusTimeout, ExitCode: -1, Output: output, Message: "Timeout", Partial: true}
	case "cancelled", "disconnected":
		return PhaseVerdict{Status: StatusCancelled, ExitCode: -1, Output: output, Message: "Cancelled", Partial: result.Partial}
	case "test_passed":
		return PhaseVerdict{Status: StatusPass, ExitCode: proc.ExitCode(), Output: output, Message: "All tests passed"}
	default:
		msg := "Tests failed"
		if result.LastSummary != nil {
			if failed, ok := result.LastSummary["failed"]; ok {
				msg = fmt.Sprintf("%v test(s) failed", failed)
			}
		}
		return PhaseVerdict{Status: StatusFail, ExitCode: proc.ExitCode(), Output: output, Message: msg}
	}
}

func forwardMultiplexEvent(ev multiplex.Event, sink EventSink) error {
	switch ev.Type {
	case multiplex.EventTestResult:
		testID, _ := ev.Data["test_name"].(string)
		status, _ := ev.Data["status"].(string)
		message, _ := ev.Data["message"].(string)
		var total *int
		if raw, ok := ev.Data["total"]; ok {
			if n, ok := toInt(raw); ok {
				total = &n
			}
		}
		sink.TestResult(testID, status, ev.Ordinal, total, message)
	case multiplex.EventSummary:
		total, _ := toInt(ev.Data["total"])
		passed, _ := toInt(ev.Data["passed"])
		failed, _ := toInt(ev.Data["failed"])
		sink.Summary(total, passed, failed)
	case multiplex.EventError:
		sink.Error("test", ev.Message)
	case multiplex.EventDone:
		// The multiplexer's own done event is a bookkeeping detail of its select loop; the
		// pipeline's single terminal done event is emitted once by Run after this phase
		// returns, so the per-phase one here is swallowed.
	case multiplex.EventKeepAlive:
		sink.KeepAlive()
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func truncateOutput(lines []string) []string {
	if len(lines) > maxCapturedOutputLines {
		lines = lines[len(lines)-maxCapturedOutputLines:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = pkgstrings.TruncateDescription(l, maxCapturedLineLen)
	}
	return out
}

func lastLine(stdout, stderr []string) string {
	if len(stderr) > 0 {
		return stderr[len(stderr)-1]
	}
	if len(stdout) > 0 {
		return stdout[len(stdout)-1]
	}
	return "no output captured"
}

// parseSummaryLine scans captured output for the generic runner's JSON summary line, a dict
// carrying "total" and "passed" keys, mirroring _parse_test_summary.
func parseSummaryLine(lines []string) (total, passed, failed int, ok bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		var data map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &data); err != nil {
			continue
		}
		t, hasTotal := toInt(data["total"])
		p, hasPassed := toInt(data["passed"])
		if !hasTotal || !hasPassed {
			continue
		}
		f, _ := toInt(data["failed"])
		return t, p, f, true
	}
	return 0, 0, 0, false
}

// parseFailureLines scans captured stdout for up to max JSON failure records, mirroring
// _parse_failure_jsonl / failures[:5].
func parseFailureLines(lines []string, max int) []string {
	var failures []string
	for _, line := range lines {
		if len(failures) >= max {
			break
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(line), &data); err != nil {
			continue
		}
		testName, hasName := data["test_name"]
		if !hasName {
			continue
		}
		message, _ := data["message"].(string)
		summary := fmt.Sprintf("%v: %s", testName, message)
		failures = append(failures, pkgstrings.TruncateDescription(summary, 240))
	}
	return failures
}
