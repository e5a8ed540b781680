package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	submitServerAddr string
	submitProject    string
	submitRequestID  string
	submitStream     bool
	submitQuiet      bool
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a project to a running orchestrator for build and test",
		Args:  cobra.NoArgs,
		RunE:  runSubmit,
	}
	cmd.Flags().StringVar(&submitServerAddr, "server", "http://localhost:8080", "Orchestrator base URL")
	cmd.Flags().StringVar(&submitProject, "project", "", "Project id to submit (required)")
	cmd.Flags().StringVar(&submitRequestID, "request-id", "", "Submission id (auto-generated if omitted)")
	cmd.Flags().BoolVar(&submitStream, "stream", true, "Stream progress via SSE instead of waiting for one buffered response")
	cmd.Flags().BoolVar(&submitQuiet, "quiet", false, "Suppress the progress spinner")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	payload := map[string]any{"project_name": submitProject}
	if submitRequestID != "" {
		payload["request_id"] = submitRequestID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(submitServerAddr, "/")+"/test", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if submitStream {
		req.Header.Set("Accept", "text/event-stream")
	}

	var s *spinner.Spinner
	if !submitQuiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = fmt.Sprintf(" Submitting %s...", submitProject)
		s.Start()
		defer s.Stop()
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if s != nil {
			s.FinalMSG = text.FgRed.Sprint("Failed to reach orchestrator") + "\n"
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		if s != nil {
			s.FinalMSG = text.FgYellow.Sprint("Submission rejected: another run is active") + "\n"
		}
		return printConflict(cmd, resp)
	}

	if submitStream {
		return printSSEStream(cmd, resp, s)
	}
	return printBufferedResult(cmd, resp, s)
}

func printConflict(cmd *cobra.Command, resp *http.Response) error {
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", body["error"])
	return fmt.Errorf("submission conflict")
}

func printSSEStream(cmd *cobra.Command, resp *http.Response, s *spinner.Spinner) error {
	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	success := false
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var data map[string]any
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				continue
			}
			renderSSEEvent(out, event, data)
			if event == "done" {
				success, _ = data["success"].(bool)
			}
		}
	}
	if s != nil {
		if success {
			s.FinalMSG = text.FgGreen.Sprint("✓ submission passed") + "\n"
		} else {
			s.FinalMSG = text.FgRed.Sprint("✗ submission failed") + "\n"
		}
	}
	if !success {
		return fmt.Errorf("submission did not succeed")
	}
	return nil
}

func renderSSEEvent(out io.Writer, event string, data map[string]any) {
	switch event {
	case "phase":
		fmt.Fprintf(out, "[%v] %v: %v\n", data["phase"], data["project_name"], data["status"])
	case "test_result":
		fmt.Fprintf(out, "  test %v: %v\n", data["test_name"], data["status"])
	case "error":
		fmt.Fprintf(out, "error (%v): %v\n", data["phase"], data["message"])
	case "summary":
		fmt.Fprintf(out, "summary: %v/%v passed\n", data["passed"], data["total"])
	}
}

func printBufferedResult(cmd *cobra.Command, resp *http.Response, s *spinner.Spinner) error {
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}

	buildStatus, _ := result["build_result"].(map[string]any)["status"].(string)
	var testStatus string
	if tr, ok := result["test_result"].(map[string]any); ok {
		testStatus, _ = tr["status"].(string)
	}

	success := buildStatus == "pass" && testStatus == "pass"
	if s != nil {
		if success {
			s.FinalMSG = text.FgGreen.Sprint("✓ submission passed") + "\n"
		} else {
			s.FinalMSG = text.FgRed.Sprint("✗ submission failed") + "\n"
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "build: %s, test: %s\n", buildStatus, testStatus)
	if !success {
		return fmt.Errorf("submission did not succeed")
	}
	return nil
}
