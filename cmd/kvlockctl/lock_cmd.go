package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/yndd/kvlock"
	"github.com/yndd/kvlock/lock"
)

func newLockCommand(cfg *cliConfig) *cobra.Command {
	var (
		value     string
		ttl       string
		lockDelay time.Duration
		noWait    bool
		hold      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock KEY",
		Short: "Acquire a lock and hold it until interrupted or lost",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg.serveMetrics()
			l, err := lock.New(cfg.store, cfg.sessions, lock.Config{
				Key:         args[0],
				Value:       []byte(value),
				SessionName: "kvlockctl",
				SessionTTL:  ttl,
				LockDelay:   lockDelay,
				MaxWait:     cfg.wait,
				Metrics:     cfg.metrics,
			}, cfg.logger)
			if err != nil {
				return err
			}
			r, err := l.Acquire(ctx, !noWait)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if r != lock.Acquired {
				return fmt.Errorf("lock %s is %s", args[0], r)
			}
			fmt.Fprintf(out, "acquired %s with session %s\n", args[0], l.SessionID())

			var timeout <-chan time.Time
			if hold > 0 {
				timeout = time.After(hold)
			}
			select {
			case <-l.Lost():
				// stops the monitor and destroys the lock's session
				if _, err := l.Release(context.WithoutCancel(ctx)); err != nil {
					cfg.logger.Debug("release after loss failed", "key", args[0], "error", err)
				}
				return fmt.Errorf("%w: %s", kvlock.ErrSessionLost, args[0])
			case <-ctx.Done():
			case <-timeout:
			}
			ok, err := l.Release(context.WithoutCancel(ctx))
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(out, "released %s\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "value stored in the lock key")
	cmd.Flags().StringVar(&ttl, "ttl", "15s", "TTL of the lock's session")
	cmd.Flags().DurationVar(&lockDelay, "lock-delay", 15*time.Second, "lock delay of the lock's session")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "fail instead of waiting when the lock is held")
	cmd.Flags().DurationVar(&hold, "hold", 0, "release after this long (0 holds until interrupted)")
	return cmd
}
