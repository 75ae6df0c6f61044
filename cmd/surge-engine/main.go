// Command surge-engine is a thin headless CLI over internal/engine: it
// acquires a single-instance lock, starts the engine, queues whatever
// URLs were given on the command line, and prints progress until every
// task has completed, failed, or been cancelled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dashfetch/engine/internal/engine"
	"github.com/dashfetch/engine/internal/engine/types"
	"github.com/dashfetch/engine/internal/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		downloadDir  string
		concurrent   int
		segments     int
		speedLimit   int
		antiThrottle bool
		statePath    string
	)

	cmd := &cobra.Command{
		Use:   "surge-engine <url> [url...]",
		Short: "Download one or more URLs using the embedded dashfetch engine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lock, ok, err := acquireLock()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("another surge-engine instance is already running")
			}
			defer lock.release()

			log := logging.New(os.Stderr)

			cfg := types.DefaultConfig()
			cfg.DownloadDir = downloadDir
			cfg.MaxConcurrent = concurrent
			cfg.SegmentCount = segments
			cfg.MaxSpeedLimitKBps = speedLimit
			cfg.AntiThrottle = antiThrottle
			cfg.StateFilePath = statePath

			eng := engine.New(cfg, log)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := eng.Start(ctx); err != nil {
				return err
			}
			defer eng.Stop()

			ids, err := eng.AddTasks(args)
			if err != nil {
				log.Warn("one or more URLs were rejected", "error", err)
			}

			return watch(ctx, eng, ids)
		},
	}

	cmd.Flags().StringVar(&downloadDir, "dir", ".", "destination directory")
	cmd.Flags().IntVar(&concurrent, "concurrent", 3, "maximum tasks running at once")
	cmd.Flags().IntVar(&segments, "segments", 4, "segments per task when the server supports ranges")
	cmd.Flags().IntVar(&speedLimit, "speed-limit", 0, "aggregate speed cap in KB/s, 0 disables it")
	cmd.Flags().BoolVar(&antiThrottle, "anti-throttle", false, "pause briefly near completion to avoid host-side throttling")
	cmd.Flags().StringVar(&statePath, "state-file", "", "path to persist in-progress tasks across restarts")

	return cmd
}

// watch polls the engine until every task named by ids is Completed,
// Cancelled, or Failed, printing a progress line on each tick.
func watch(ctx context.Context, eng *engine.Engine, ids []string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			allDone := true
			for _, id := range ids {
				if id == "" {
					continue
				}
				snap := eng.GetTask(id)
				if snap == nil {
					continue
				}
				if !snap.Status.Terminal() && snap.Status != types.StatusFailed {
					allDone = false
				}
				printProgress(*snap)
			}
			if allDone {
				return nil
			}
		}
	}
}

func printProgress(s types.Snapshot) {
	switch s.Status {
	case types.StatusCompleted:
		fmt.Printf("%s  done  %s\n", s.Filename, engine.HumanSize(s.TotalSize))
	case types.StatusFailed:
		fmt.Printf("%s  failed  %s\n", s.Filename, s.Error.Error())
	default:
		fmt.Printf("%s  %.1f%%  %s/s\n", s.Filename, s.Progress, engine.HumanSize(int64(s.Speed)))
	}
}
