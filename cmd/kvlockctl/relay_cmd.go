package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yndd/kvlock/publisher"
	"github.com/yndd/kvlock/relay"
)

func newRelayCommand(cfg *cliConfig) *cobra.Command {
	var (
		subjectRoot string
		stream      string
		bucket      string
		fileStorage bool
	)
	cmd := &cobra.Command{
		Use:   "relay [PREFIX]",
		Short: "Publish the changes below a prefix to NATS JetStream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			if cfg.natsAddress == "" {
				return fmt.Errorf("--%s is required", natsAddressKey)
			}
			cfg.serveMetrics()

			root := strings.TrimSpace(subjectRoot)
			if root == "" {
				return fmt.Errorf("--subject-root must not be empty")
			}
			p := publisher.NewNATSPublisher(publisher.Config{
				Address:    cfg.natsAddress,
				StreamName: stream,
				Subjects:   []string{root + ".>"},
			}, cfg.logger)
			defer p.Close()
			sinks := []relay.Sink{p}

			if bucket != "" {
				storage := relay.Memory
				if fileStorage {
					storage = relay.File
				}
				m, err := relay.NewNATSMirror(ctx, relay.MirrorConfig{
					Address:     cfg.natsAddress,
					Bucket:      bucket,
					Description: "mirror of " + prefix,
					Storage:     storage,
				}, cfg.logger)
				if err != nil {
					return err
				}
				defer m.Close()
				sinks = append(sinks, m)
			}
			return relay.New(cfg.watcher, relay.Config{Prefix: prefix, SubjectRoot: root}, cfg.logger, sinks...).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&subjectRoot, "subject-root", "kvlock", "first subject token of published events")
	cmd.Flags().StringVar(&stream, "stream", "KVLOCK", "JetStream stream receiving the events")
	cmd.Flags().StringVar(&bucket, "mirror-bucket", "", "also mirror the pairs into this JetStream KV bucket")
	cmd.Flags().BoolVar(&fileStorage, "file-storage", false, "store the mirror bucket on disk instead of memory")
	return cmd
}
