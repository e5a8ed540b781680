package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cancelServerAddr string
	cancelRequestID  string
)

func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a running submission by request id",
		Args:  cobra.NoArgs,
		RunE:  runCancel,
	}
	cmd.Flags().StringVar(&cancelServerAddr, "server", "http://localhost:8080", "Orchestrator base URL")
	cmd.Flags().StringVar(&cancelRequestID, "request-id", "", "Submission id to cancel (required)")
	_ = cmd.MarkFlagRequired("request-id")
	return cmd
}

func runCancel(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"request_id": cancelRequestID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, strings.TrimRight(cancelServerAddr, "/")+"/cancel", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "request_id=%v status=%v\n", result["request_id"], result["status"])
	return nil
}
