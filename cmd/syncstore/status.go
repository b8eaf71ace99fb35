package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/syncstore/internal/cache"
	"github.com/hyperengineering/syncstore/internal/config"
)

var (
	cachePathOverride string
	statusJSONOutput  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local cache state",
	Long:  "Prints cache file size and the pending operations waiting to be pushed.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&cachePathOverride, "cache", "",
		"Cache file path (overrides config and SYNCSTORE_CACHE_PATH)")
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false,
		"Output in JSON format")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	path, err := resolveCachePath()
	if err != nil {
		return err
	}

	s, err := cache.Open(path)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer s.Close()

	ops, err := s.ListPending(ctx, "")
	if err != nil {
		return fmt.Errorf("list pending operations: %w", err)
	}

	var sizeBytes int64
	if info, err := os.Stat(path); err == nil {
		sizeBytes = info.Size()
	}

	if statusJSONOutput {
		items := make([]map[string]any, len(ops))
		for i, op := range ops {
			items[i] = map[string]any{
				"request_id": op.RequestID,
				"collection": op.Collection,
				"object_id":  op.ObjectID,
				"method":     op.Method,
				"created_at": op.CreatedAt,
			}
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"cache_path": path,
			"size_bytes": sizeBytes,
			"pending":    items,
			"total":      len(items),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cache:   %s (%s)\n", path, formatSize(sizeBytes))
	fmt.Fprintf(out, "Pending: %d operation(s)\n", len(ops))
	if len(ops) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	w := newTabWriter(out)
	fmt.Fprintln(w, "REQUEST\tCOLLECTION\tOBJECT\tMETHOD\tQUEUED")
	for _, op := range ops {
		objectID := op.ObjectID
		if objectID == "" {
			objectID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			op.RequestID,
			op.Collection,
			objectID,
			op.Method,
			op.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	return nil
}

// resolveCachePath returns the cache file path, honoring the --cache flag
// over the loaded configuration.
func resolveCachePath() (string, error) {
	if cachePathOverride != "" {
		return cachePathOverride, nil
	}
	cfg, err := loadDevConfig()
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	return cfg.Cache.Path, nil
}

// loadDevConfig loads configuration without requiring backend credentials.
// Cache inspection and backup work offline.
func loadDevConfig() (*config.Config, error) {
	if os.Getenv("SYNCSTORE_DEV_MODE") == "" {
		os.Setenv("SYNCSTORE_DEV_MODE", "true")
		defer os.Unsetenv("SYNCSTORE_DEV_MODE")
	}
	return config.Load()
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
