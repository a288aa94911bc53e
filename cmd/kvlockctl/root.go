package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yndd/kvlock/metrics"
	"github.com/yndd/kvlock/session"
	"github.com/yndd/kvlock/store"
	"github.com/yndd/kvlock/transport"
	"github.com/yndd/kvlock/watch"
	"github.com/yndd/ndd-runtime/pkg/logging"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	addressKey     = "address"
	schemeKey      = "scheme"
	tokenKey       = "token"
	datacenterKey  = "datacenter"
	timeoutKey     = "timeout"
	waitKey        = "wait"
	natsAddressKey = "nats-address"
	metricsAddrKey = "metrics-address"
	debugKey       = "debug"
	configKey      = "config"

	defaultConfigFile = "kvlock.yaml"
)

// cliConfig holds the clients built from the resolved flags, env and config file.
type cliConfig struct {
	loaded   bool
	logger   logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	transport transport.Transport
	store     store.Store
	sessions  session.Manager
	watcher   watch.Watcher

	wait        time.Duration
	natsAddress string
	metricsAddr string
}

func newRootCommand() *cobra.Command {
	cfg := &cliConfig{}
	cmd := &cobra.Command{
		Use:           "kvlockctl",
		Short:         "Read, watch and lock keys of a consistent KV store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return cfg.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(addressKey, "127.0.0.1:8500", "agent address")
	flags.String(schemeKey, "http", "agent URI scheme")
	flags.String(tokenKey, "", "ACL token")
	flags.String(datacenterKey, "", "datacenter (default: the agent's)")
	flags.Duration(timeoutKey, 0, "per request timeout, excluding the blocking wait")
	flags.Duration(waitKey, 5*time.Minute, "maximum wait of blocking queries")
	flags.String(natsAddressKey, "nats://127.0.0.1:4222", "NATS address of the change feed")
	flags.String(metricsAddrKey, "", "serve prometheus metrics on this address for long running commands")
	flags.Bool(debugKey, false, "enable debug logging")
	flags.String(configKey, "", "config file (default ./"+defaultConfigFile+" when present)")

	mustBindFlag(addressKey, "KVLOCK_ADDRESS", flags.Lookup(addressKey))
	mustBindFlag(schemeKey, "KVLOCK_SCHEME", flags.Lookup(schemeKey))
	mustBindFlag(tokenKey, "KVLOCK_TOKEN", flags.Lookup(tokenKey))
	mustBindFlag(datacenterKey, "KVLOCK_DATACENTER", flags.Lookup(datacenterKey))
	mustBindFlag(timeoutKey, "KVLOCK_TIMEOUT", flags.Lookup(timeoutKey))
	mustBindFlag(waitKey, "KVLOCK_WAIT", flags.Lookup(waitKey))
	mustBindFlag(natsAddressKey, "KVLOCK_NATS_ADDRESS", flags.Lookup(natsAddressKey))
	mustBindFlag(metricsAddrKey, "KVLOCK_METRICS_ADDRESS", flags.Lookup(metricsAddrKey))
	mustBindFlag(debugKey, "KVLOCK_DEBUG", flags.Lookup(debugKey))
	mustBindFlag(configKey, "KVLOCK_CONFIG", flags.Lookup(configKey))

	cmd.AddCommand(
		newGetCommand(cfg),
		newPutCommand(cfg),
		newDeleteCommand(cfg),
		newListCommand(cfg),
		newWatchCommand(cfg),
		newLockCommand(cfg),
		newSessionCommand(cfg),
		newRelayCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *cliConfig) load() error {
	if c.loaded {
		return nil
	}
	if err := loadConfigFile(); err != nil {
		return err
	}
	c.logger = logging.NewLogrLogger(zap.New(zap.UseDevMode(viper.GetBool(debugKey))))
	c.registry = prometheus.NewRegistry()
	m, err := metrics.New(c.registry)
	if err != nil {
		return err
	}
	c.metrics = m
	c.wait = viper.GetDuration(waitKey)
	c.natsAddress = strings.TrimSpace(viper.GetString(natsAddressKey))
	c.metricsAddr = strings.TrimSpace(viper.GetString(metricsAddrKey))

	dc := strings.TrimSpace(viper.GetString(datacenterKey))
	token := viper.GetString(tokenKey)
	c.transport = transport.NewHTTPTransport(transport.Config{
		Address:    strings.TrimSpace(viper.GetString(addressKey)),
		Scheme:     strings.TrimSpace(viper.GetString(schemeKey)),
		Datacenter: dc,
		Token:      token,
		Timeout:    viper.GetDuration(timeoutKey),
	}, c.logger)
	c.store = store.NewHTTPKVStore(c.transport, store.Config{Datacenter: dc, Token: token}, c.logger)
	c.sessions = session.NewHTTPManager(c.transport, session.Config{Datacenter: dc, Token: token, Metrics: m}, c.logger)
	c.watcher = watch.NewWatcher(c.store, watch.Config{MaxWait: c.wait, Datacenter: dc, Token: token, Metrics: m}, c.logger)
	c.loaded = true
	return nil
}

// serveMetrics exposes the registry when a metrics address is configured.
func (c *cliConfig) serveMetrics() {
	if c.metricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(c.metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Info("metrics server stopped", "error", err)
		}
	}()
}

func loadConfigFile() error {
	cfgPath := strings.TrimSpace(viper.GetString(configKey))
	explicit := cfgPath != ""
	if cfgPath == "" {
		cfgPath = defaultConfigFile
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return fmt.Errorf("config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config file %q is a directory", abs)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %q: %w", abs, err)
	}
	return nil
}
