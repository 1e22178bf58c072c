package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/javi11/metafs/internal/config"
	"github.com/javi11/metafs/internal/fscache"
)

func init() {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Run a cache consistency check",
		Long: `Load the configured views from the metadata engine, run the consistency
check and repair pass, and print the report. With --remote the check runs on
the running server instead.`,
		RunE: runCheck,
	}

	checkCmd.Flags().Int("depth", -1, "levels to load below each view root (default cache.warm_depth)")
	checkCmd.Flags().Bool("remote", false, "run the check on the running server")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var report fscache.Report
	if remote, _ := cmd.Flags().GetBool("remote"); remote {
		report, err = remoteCheck(cmd.Context(), cfg)
	} else {
		depth, _ := cmd.Flags().GetInt("depth")
		if depth < 0 {
			depth = cfg.Cache.WarmDepth
		}
		report, err = localCheck(cmd.Context(), cfg, depth)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if !report.OK() {
		return fmt.Errorf("%d violations could not be repaired", report.Unrepaired)
	}
	return nil
}

func localCheck(ctx context.Context, cfg *config.Config, depth int) (fscache.Report, error) {
	logger := slog.Default()

	store, closeStore, err := openEngine(ctx, cfg, logger)
	if err != nil {
		return fscache.Report{}, err
	}
	defer closeStore()

	cache, pop, err := setupCache(cfg, store)
	if err != nil {
		return fscache.Report{}, err
	}

	listed, err := pop.Warm(ctx, depth)
	if err != nil {
		return fscache.Report{}, fmt.Errorf("failed to load views: %w", err)
	}
	logger.Info("Views loaded", "directories", listed, "nodes", cache.Size())

	return cache.CheckAndRepair(), nil
}

func remoteCheck(ctx context.Context, cfg *config.Config) (fscache.Report, error) {
	url := fmt.Sprintf("http://localhost:%d%s/cache/check", cfg.API.Port, cfg.API.Prefix)

	slog.Info("Triggering consistency check", "url", url)

	// Create client with timeout
	client := &http.Client{
		Timeout: 5 * time.Minute,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return fscache.Report{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fscache.Report{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fscache.Report{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fscache.Report{}, fmt.Errorf("server returned error: %s (status: %d)", string(body), resp.StatusCode)
	}

	var envelope struct {
		Success bool           `json:"success"`
		Data    fscache.Report `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fscache.Report{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return envelope.Data, nil
}
