// Package main implements the swarmctl CLI for manual operations against
// the swarmd HTTP server.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the swarmd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarmctl",
	Short: "CLI for swarmd HTTP server operations",
	Long: `swarmctl is a command-line interface for interacting with the swarmd server.
It submits goals, inspects manifests and lanes, and follows run progress.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9290", "swarmd server URL")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(lanesCmd)
	rootCmd.AddCommand(laneCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
}

// submitCmd submits a goal for decomposition and orchestration
var submitCmd = &cobra.Command{
	Use:   "submit <goal>",
	Short: "Submit a goal and print the manifest id",
	Long: `Submit a natural-language goal. The server decomposes it into lanes
and starts orchestration in the background.

Examples:
  # Submit a goal
  swarmctl submit "add a health endpoint to the billing service"

  # Submit and follow progress
  swarmctl submit --watch "add a health endpoint"`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var (
	submitSessionID string
	submitContext   string
	submitWatch     bool
)

func init() {
	submitCmd.Flags().StringVar(&submitSessionID, "session", "", "session id to associate with the run")
	submitCmd.Flags().StringVar(&submitContext, "context", "", "workspace context passed to the planner and workers")
	submitCmd.Flags().BoolVar(&submitWatch, "watch", false, "follow run events after submitting")
}

// watchCmd follows a manifest's event stream
var watchCmd = &cobra.Command{
	Use:   "watch <manifest-id>",
	Short: "Stream a manifest's lifecycle events",
	Long: `Stream a manifest's lifecycle events over SSE until the run completes.

Examples:
  swarmctl watch 5e3f...`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// lanesCmd lists a manifest's lanes
var lanesCmd = &cobra.Command{
	Use:   "lanes <manifest-id>",
	Short: "List the lanes of a manifest",
	Args:  cobra.ExactArgs(1),
	RunE:  runLanes,
}

// laneCmd shows one lane including its audit trail
var laneCmd = &cobra.Command{
	Use:   "lane <lane-id>",
	Short: "Show a lane's full record, including the audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runLane,
}

// statsCmd shows a manifest's aggregate stats
var statsCmd = &cobra.Command{
	Use:   "stats <manifest-id>",
	Short: "Show a manifest's aggregate statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check swarmd server health",
	RunE:  runHealth,
}

// SubmitRunRequest matches internal/http/handlers.go SubmitRunRequest
type SubmitRunRequest struct {
	Goal             string `json:"goal"`
	SessionID        string `json:"session_id,omitempty"`
	WorkspaceContext string `json:"workspace_context,omitempty"`
}

// SubmitRunResponse matches internal/http/handlers.go SubmitRunResponse
type SubmitRunResponse struct {
	ManifestID string `json:"manifest_id"`
	Lanes      int    `json:"lanes"`
}

// HealthResponse matches internal/http/handlers.go HealthResponse
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

type laneView struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	FailureCount int     `json:"failure_count"`
	Spec         struct {
		Title string `json:"title"`
	} `json:"spec"`
	Metrics struct {
		TotalCost float64 `json:"total_cost"`
	} `json:"metrics"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func getJSON(path string, out interface{}) error {
	url := serverURL + path
	resp, err := httpClient().Get(url)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	reqJSON, err := json.Marshal(SubmitRunRequest{
		Goal:             args[0],
		SessionID:        submitSessionID,
		WorkspaceContext: submitContext,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := serverURL + "/api/v1/runs"
	resp, err := httpClient().Post(url, "application/json", bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var run SubmitRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Printf("manifest: %s (%d lanes)\n", run.ManifestID, run.Lanes)

	if submitWatch {
		return streamEvents(run.ManifestID)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	return streamEvents(args[0])
}

// streamEvents follows the SSE stream until the run completes.
func streamEvents(manifestID string) error {
	url := fmt.Sprintf("%s/api/v1/manifests/%s/events", serverURL, manifestID)
	// No client timeout: the stream stays open for the whole run.
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to open event stream at %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			fmt.Printf("%-22s %s\n", event, strings.TrimPrefix(line, "data: "))
			if event == "manifest.completed" {
				return nil
			}
		}
	}
	return scanner.Err()
}

func runLanes(cmd *cobra.Command, args []string) error {
	var lanes []laneView
	if err := getJSON(fmt.Sprintf("/api/v1/manifests/%s/lanes", args[0]), &lanes); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LANE\tSTATUS\tFAILURES\tCOST\tTITLE")
	for _, l := range lanes {
		fmt.Fprintf(w, "%s\t%s\t%d\t%.4f\t%s\n", l.ID, l.Status, l.FailureCount, l.Metrics.TotalCost, l.Spec.Title)
	}
	return w.Flush()
}

func runLane(cmd *cobra.Command, args []string) error {
	var lane json.RawMessage
	if err := getJSON("/api/v1/lanes/"+args[0], &lane); err != nil {
		return err
	}
	return printJSON(lane)
}

func runStats(cmd *cobra.Command, args []string) error {
	var stats json.RawMessage
	if err := getJSON(fmt.Sprintf("/api/v1/manifests/%s/stats", args[0]), &stats); err != nil {
		return err
	}
	return printJSON(stats)
}

func runHealth(cmd *cobra.Command, args []string) error {
	var health HealthResponse
	if err := getJSON("/health", &health); err != nil {
		return err
	}
	fmt.Printf("status: %s\nversion: %s\n", health.Status, health.Version)
	return nil
}

func printJSON(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	fmt.Println(buf.String())
	return nil
}
