package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relicapp/relicd/internal/config"
)

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the deferred operation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations (oldest first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}

		var ops []struct {
			ID         string          `json:"id"`
			Type       string          `json:"type"`
			Payload    json.RawMessage `json:"payload"`
			RetryCount int             `json:"retry_count"`
			CreatedAt  time.Time       `json:"created_at"`
		}
		if err := decodeJSON(resp, &ops); err != nil {
			return err
		}

		if len(ops) == 0 {
			printStatus("Queue", "empty")
			return nil
		}
		for _, op := range ops {
			printStatus(op.Type, "%s  retries=%d  queued %s", op.ID, op.RetryCount, op.CreatedAt.Local().Format(time.RFC822))
		}
		return nil
	},
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one drain pass over the queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Draining queue...")
		resp, err := client.post(cmd.Context(), "/queue/process", nil)
		if err != nil {
			return err
		}

		var report struct {
			Processed int  `json:"processed"`
			Succeeded int  `json:"succeeded"`
			Failed    int  `json:"failed"`
			Skipped   bool `json:"skipped"`
			Exhausted []struct {
				ID    string `json:"id"`
				Type  string `json:"type"`
				Error string `json:"error"`
			} `json:"exhausted"`
		}
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}

		if report.Skipped {
			printWarning("drain skipped (offline or already processing)")
			return nil
		}
		printSuccess("processed %d: %d succeeded, %d failed", report.Processed, report.Succeeded, report.Failed)
		for _, ex := range report.Exhausted {
			printError("gave up on %s %s after retry limit: %s", ex.Type, ex.ID, ex.Error)
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != 204 {
			return fmt.Errorf("server returned HTTP %d", resp.StatusCode)
		}
		printSuccess("queue cleared")
		return nil
	},
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage cache partitions",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-partition cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Activate the new cache generation immediately",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/activate", nil)
		if err != nil {
			return err
		}
		var out struct {
			State string `json:"state"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("activation requested (state: %s)", out.State)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		printStatus("Port", "%d", cfg.Server.Port)
		printStatus("Upstream", "%s", cfg.Upstream.BaseURL)
		printStatus("Network timeout", "%s", cfg.Upstream.NetworkTimeout)
		printStatus("Remote AI", "%s", cfg.Remote.BaseURL)
		printStatus("Cache version", "%s", cfg.Cache.Version)
		printStatus("API prefix", "%s", cfg.Cache.APIPrefix)
		printStatus("App shell", "%s", cfg.Cache.AppShell)
		printStatus("Manifest", "%d assets", len(cfg.Cache.StaticManifest))
		printStatus("Max retries", "%d", cfg.Queue.MaxRetries)
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueProcessCmd, queueClearCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheActivateCmd)
}
