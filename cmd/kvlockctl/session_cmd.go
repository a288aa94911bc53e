package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/yndd/kvlock"
)

func newSessionCommand(cfg *cliConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
	}
	cmd.AddCommand(
		newSessionCreateCommand(cfg),
		newSessionRenewCommand(cfg),
		newSessionDestroyCommand(cfg),
		newSessionInfoCommand(cfg),
		newSessionListCommand(cfg),
	)
	return cmd
}

func newSessionCreateCommand(cfg *cliConfig) *cobra.Command {
	var (
		name      string
		node      string
		ttl       string
		lockDelay time.Duration
		behavior  string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := cfg.sessions.Create(cmd.Context(), &kvlock.SessionEntry{
				Name:      name,
				Node:      node,
				TTL:       ttl,
				LockDelay: lockDelay,
				Behavior:  kvlock.SessionBehavior(behavior),
			}, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), e.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&node, "node", "", "node the session is bound to (default: the agent's)")
	cmd.Flags().StringVar(&ttl, "ttl", "", "session TTL, 10s to 24h (default: none)")
	cmd.Flags().DurationVar(&lockDelay, "lock-delay", 15*time.Second, "lock delay applied when the session is invalidated")
	cmd.Flags().StringVar(&behavior, "behavior", string(kvlock.SessionBehaviorRelease), "release or delete held keys on invalidation")
	return cmd
}

func newSessionRenewCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "renew ID",
		Short: "Renew a session once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := cfg.sessions.Renew(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("%w: %s", kvlock.ErrSessionLost, args[0])
			}
			printSession(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func newSessionDestroyCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy ID",
		Short: "Destroy a session, releasing its locks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := cfg.sessions.Destroy(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("destroy of session %s rejected", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", args[0])
			return nil
		},
	}
}

func newSessionInfoCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "info ID",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := cfg.sessions.Info(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if e == nil {
				return fmt.Errorf("session %s not found", args[0])
			}
			printSession(cmd.OutOrStdout(), e)
			return nil
		},
	}
}

func newSessionListCommand(cfg *cliConfig) *cobra.Command {
	var node string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				entries []*kvlock.SessionEntry
				err     error
			)
			if node != "" {
				entries, _, err = cfg.sessions.Node(cmd.Context(), node, nil)
			} else {
				entries, _, err = cfg.sessions.List(cmd.Context(), nil)
			}
			if err != nil {
				return err
			}
			for _, e := range entries {
				printSession(cmd.OutOrStdout(), e)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "only sessions bound to this node")
	return cmd
}

func printSession(w io.Writer, e *kvlock.SessionEntry) {
	ttl := e.TTL
	if ttl == "" {
		ttl = "none"
	}
	fmt.Fprintf(w, "%s\tname=%s\tnode=%s\tttl=%s\tlock-delay=%s\tbehavior=%s\tindex=%s\n",
		e.ID, e.Name, e.Node, ttl, e.LockDelay, e.Behavior, humanize.Comma(int64(e.CreateIndex)))
}
