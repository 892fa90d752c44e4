package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Inspect and spawn workers on a running daemon",
}

var (
	listStatus  string
	listProject string
)

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workers as JSON",
	Long: `List workers registered on the daemon as JSON.

Examples:
  chamber workers list
  chamber workers list --status active
  chamber workers list --project ~/src/app | jq '.workers[].id'`,
	RunE: func(_ *cobra.Command, _ []string) error {
		query := url.Values{}
		if listStatus != "" {
			query.Set("status", listStatus)
		}
		if listProject != "" {
			query.Set("project", listProject)
		}
		path := "/api/workers"
		if encoded := query.Encode(); encoded != "" {
			path += "?" + encoded
		}
		return callDaemon(http.MethodGet, path, nil)
	},
}

var spawnReq struct {
	Name    string
	Type    string
	Task    string
	Base    string
	Branch  string
	Command string
	Args    []string
	Count   int
	Project string
}

var workersSpawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn one or more workers",
	Long: `Spawn workers on the daemon. Each worker gets an isolated worktree on
its own branch, created from the base branch.

Examples:
  chamber workers spawn --name fixer --base main --command claude
  chamber workers spawn --name crew --base main --command agent --count 3`,
	RunE: func(_ *cobra.Command, _ []string) error {
		body := map[string]any{
			"name":        spawnReq.Name,
			"base_branch": spawnReq.Base,
			"command":     spawnReq.Command,
		}
		if spawnReq.Type != "" {
			body["type"] = spawnReq.Type
		}
		if spawnReq.Task != "" {
			body["task"] = spawnReq.Task
		}
		if spawnReq.Branch != "" {
			body["branch"] = spawnReq.Branch
		}
		if len(spawnReq.Args) > 0 {
			body["args"] = spawnReq.Args
		}
		if spawnReq.Count > 1 {
			body["count"] = spawnReq.Count
		}
		if spawnReq.Project != "" {
			body["project"] = spawnReq.Project
		}
		return callDaemon(http.MethodPost, "/api/workers", body)
	},
}

func init() {
	workersListCmd.Flags().StringVarP(&listStatus, "status", "s", "", "filter by status (pending|active|terminating|completed|failed)")
	workersListCmd.Flags().StringVarP(&listProject, "project", "p", "", "filter by project path")

	workersSpawnCmd.Flags().StringVarP(&spawnReq.Name, "name", "n", "", "worker name (required)")
	workersSpawnCmd.Flags().StringVar(&spawnReq.Type, "type", "", "worker type tag")
	workersSpawnCmd.Flags().StringVar(&spawnReq.Task, "task", "", "task description passed to the worker")
	workersSpawnCmd.Flags().StringVarP(&spawnReq.Base, "base", "b", "", "base branch (required)")
	workersSpawnCmd.Flags().StringVar(&spawnReq.Branch, "branch", "", "custom branch name (count 1 only)")
	workersSpawnCmd.Flags().StringVar(&spawnReq.Command, "command", "", "command to run in the worktree (required)")
	workersSpawnCmd.Flags().StringArrayVar(&spawnReq.Args, "arg", nil, "command argument (repeatable)")
	workersSpawnCmd.Flags().IntVar(&spawnReq.Count, "count", 1, "number of workers to spawn (1-10)")
	workersSpawnCmd.Flags().StringVarP(&spawnReq.Project, "project", "p", "", "project path (default: the daemon's repo)")
	_ = workersSpawnCmd.MarkFlagRequired("name")
	_ = workersSpawnCmd.MarkFlagRequired("base")
	_ = workersSpawnCmd.MarkFlagRequired("command")

	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersSpawnCmd)
	rootCmd.AddCommand(workersCmd)
}

// callDaemon issues one request against the daemon and re-indents its
// JSON response onto stdout. Error envelopes come back non-zero.
func callDaemon(method, path string, body any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, apiBase()+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", apiBase(), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var indented bytes.Buffer
	if json.Indent(&indented, raw, "", "  ") == nil {
		indented.WriteByte('\n')
		_, _ = indented.WriteTo(os.Stdout)
	} else {
		_, _ = os.Stdout.Write(raw)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
