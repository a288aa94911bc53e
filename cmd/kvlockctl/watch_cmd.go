package main

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/yndd/kvlock"
)

func newWatchCommand(cfg *cliConfig) *cobra.Command {
	var (
		prefix bool
		count  int
	)
	cmd := &cobra.Command{
		Use:   "watch KEY",
		Short: "Print a JSON line for every change of a key or prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			cfg.serveMetrics()
			var ch chan *kvlock.Event
			if prefix {
				ch = cfg.watcher.WatchPrefix(ctx, args[0])
			} else {
				ch = cfg.watcher.WatchKey(ctx, args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			n := 0
			for ev := range ch {
				if ev.Err != nil {
					return fmt.Errorf("watch %s: %w", args[0], ev.Err)
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				n++
				if count > 0 && n >= count {
					return nil
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&prefix, "prefix", false, "watch every key below KEY")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many events (0 runs until interrupted)")
	return cmd
}
