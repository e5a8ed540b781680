// Package pipeline drives one submission through materialise, build, and test phases and
// produces the final verdict, forwarding progress to whichever transport adapter is attached.
package pipeline

import "time"

// PhaseStatus is the terminal outcome of one pipeline phase, using the vocabulary the external
// interfaces (buffered JSON, SSE events) speak — distinct from the supervisor package's own
// Status names, which this package translates on the way out.
type PhaseStatus string

const (
	StatusPass      PhaseStatus = "pass"
	StatusFail      PhaseStatus = "fail"
	StatusError     PhaseStatus = "error"
	StatusTimeout   PhaseStatus = "timeout"
	StatusCancelled PhaseStatus = "cancelled"
)

// Submission is one request to evaluate a candidate solution for one project.
type Submission struct {
	SubmissionID    string
	ProjectID       string
	BuildDeadline   time.Duration
	TestDeadline    time.Duration
	PerTestDeadline time.Duration
	TestNameFilter  string
	TestFileFilter  string
	Streaming       bool
}

// PhaseVerdict is the outcome of one build or test phase.
type PhaseVerdict struct {
	Status   PhaseStatus
	ExitCode int
	Output   []string
	Message  string
	Partial  bool
}

// Verdict is the final, terminal result of one submission's pipeline run.
type Verdict struct {
	SubmissionID string
	ProjectID    string
	Build        PhaseVerdict
	Test         *PhaseVerdict
	CompletedAt  time.Time
}

// Success reports whether both phases report pass, the condition for done{success:true}.
func (v Verdict) Success() bool {
	return v.Build.Status == StatusPass && v.Test != nil && v.Test.Status == StatusPass
}

// EventSink receives the ordered progress events for one submission, as enumerated in §4.6.
// The buffered transport adapter uses a no-op sink and relies solely on the returned Verdict;
// the streaming adapter implements this to frame each call as an SSE event.
type EventSink interface {
	RequestID(submissionID string)
	Phase(phase, projectID, status string)
	Error(phase, message string)
	TestResult(testID, status string, ordinal int, total *int, message string)
	Summary(total, passed, failed int)
	// KeepAlive is emitted while the child is silent, per §4.3/§6; the buffered adapter's
	// NoopSink ignores it since a buffered response has nothing to hold open.
	KeepAlive()
	Done(success bool)
}

// NoopSink discards every event; used by the buffered transport, which only consumes the
// Verdict that Run returns.
type NoopSink struct{}

func (NoopSink) RequestID(string)                                              {}
func (NoopSink) Phase(phase, projectID, status string)                         {}
func (NoopSink) Error(phase, message string)                                   {}
func (NoopSink) TestResult(testID, status string, ordinal int, total *int, message string) {}
func (NoopSink) Summary(total, passed, failed int)                             {}
func (NoopSink) KeepAlive()                                                    {}
func (NoopSink) Done(success bool)                                             {}
