package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/yndd/kvlock"
)

func newGetCommand(cfg *cliConfig) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Read a single key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, _, err := cfg.store.Get(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}
			if p == nil {
				return fmt.Errorf("key %q not found", args[0])
			}
			if raw {
				_, err = cmd.OutOrStdout().Write(p.Value)
				return err
			}
			printPair(cmd.OutOrStdout(), p)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print the value only")
	return cmd
}

func newPutCommand(cfg *cliConfig) *cobra.Command {
	var (
		flags uint64
		cas   int64
	)
	cmd := &cobra.Command{
		Use:   "put KEY VALUE",
		Short: "Write a key, optionally as a check-and-set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := &kvlock.KVPair{Key: args[0], Value: []byte(args[1]), Flags: flags}
			var (
				ok  bool
				err error
			)
			if cas >= 0 {
				p.ModifyIndex = uint64(cas)
				ok, _, err = cfg.store.CAS(cmd.Context(), p, nil)
			} else {
				ok, _, err = cfg.store.Put(cmd.Context(), p, nil)
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("write of %q rejected", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s)\n", args[0], humanize.Bytes(uint64(len(p.Value))))
			return nil
		},
	}
	cmd.Flags().Uint64Var(&flags, "flags", 0, "opaque flags stored with the value")
	cmd.Flags().Int64Var(&cas, "cas", -1, "only write when the key's modify index matches (0 creates)")
	return cmd
}

func newDeleteCommand(cfg *cliConfig) *cobra.Command {
	var (
		recurse bool
		cas     int64
	)
	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Delete a key or a whole prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recurse && cas >= 0 {
				return fmt.Errorf("%w: --cas cannot be combined with --recurse", kvlock.ErrInvalidOption)
			}
			var (
				ok  bool
				err error
			)
			switch {
			case recurse:
				ok, _, err = cfg.store.DeleteTree(cmd.Context(), args[0], nil)
			case cas >= 0:
				ok, _, err = cfg.store.DeleteCAS(cmd.Context(), &kvlock.KVPair{Key: args[0], ModifyIndex: uint64(cas)}, nil)
			default:
				ok, _, err = cfg.store.Delete(cmd.Context(), args[0], nil)
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("delete of %q rejected", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&recurse, "recurse", false, "delete every key below KEY")
	cmd.Flags().Int64Var(&cas, "cas", -1, "only delete when the key's modify index matches")
	return cmd
}

func newListCommand(cfg *cliConfig) *cobra.Command {
	var (
		keysOnly  bool
		separator string
	)
	cmd := &cobra.Command{
		Use:   "list [PREFIX]",
		Short: "List the pairs or keys below a prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			out := cmd.OutOrStdout()
			if keysOnly || separator != "" {
				keys, _, err := cfg.store.Keys(cmd.Context(), prefix, separator, nil)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(out, k)
				}
				return nil
			}
			pairs, meta, err := cfg.store.List(cmd.Context(), prefix, nil)
			if err != nil {
				return err
			}
			for _, p := range pairs {
				printPair(out, p)
			}
			fmt.Fprintf(out, "%s pairs at index %s\n", humanize.Comma(int64(len(pairs))), humanize.Comma(int64(meta.LastIndex)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&keysOnly, "keys", false, "list key names only")
	cmd.Flags().StringVar(&separator, "separator", "", "roll up keys at this separator (implies --keys)")
	return cmd
}

func printPair(w io.Writer, p *kvlock.KVPair) {
	var b strings.Builder
	b.WriteString(p.Key)
	b.WriteString("\tindex=" + strconv.FormatUint(p.ModifyIndex, 10))
	if p.Flags != 0 {
		b.WriteString("\tflags=" + strconv.FormatUint(p.Flags, 10))
	}
	if p.Session != "" {
		b.WriteString("\tsession=" + p.Session)
	}
	b.WriteString("\tsize=" + humanize.Bytes(uint64(len(p.Value))))
	b.WriteString("\tvalue=" + strconv.Quote(string(p.Value)))
	fmt.Fprintln(w, b.String())
}
