package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var statusServerAddr string

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether a running orchestrator instance is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().StringVar(&statusServerAddr, "server", "http://localhost:8080", "Orchestrator base URL")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	healthURL := strings.TrimRight(statusServerAddr, "/") + "/health"
	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), text.FgRed.Sprint("orchestrator unreachable: ")+err.Error())
		return err
	}
	defer resp.Body.Close()

	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	t := table.NewWriter()
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("FIELD"), text.FgHiCyan.Sprint("VALUE")})
	t.AppendRow(table.Row{"Server", statusServerAddr})
	t.AppendRow(table.Row{"Status", renderHealthStatus(health["status"])})
	t.AppendRow(table.Row{"Timestamp", health["timestamp"]})

	var out strings.Builder
	t.SetOutputMirror(&out)
	t.Render()
	fmt.Fprint(cmd.OutOrStdout(), out.String())
	return nil
}

func renderHealthStatus(status any) string {
	if status == "healthy" {
		return text.FgGreen.Sprint(status)
	}
	return text.FgRed.Sprint(status)
}
