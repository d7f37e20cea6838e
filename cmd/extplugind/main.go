// extplugind runs the external plugin host standalone: it spawns and
// supervises the configured plugin servers and exposes their health over
// prometheus. It is the supervisor-worker side of the host; phase dispatch
// happens inside the gateway workers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gsunapoleonchen/kong/internal/app"
	"github.com/gsunapoleonchen/kong/internal/domain"
	"github.com/gsunapoleonchen/kong/internal/infra/catalog"
	"github.com/gsunapoleonchen/kong/internal/infra/telemetry"
)

type options struct {
	configPath    string
	metricsListen string
	dialTimeout   time.Duration
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		logger.Fatal("command failed", zap.Error(err))
	}
}

func newRootCmd(logger *zap.Logger) *cobra.Command {
	opts := options{
		configPath:    "pluginservers.yaml",
		metricsListen: "127.0.0.1:9542",
		dialTimeout:   10 * time.Second,
	}

	root := &cobra.Command{
		Use:   "extplugind",
		Short: "Supervisor daemon for external plugin servers",
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", opts.configPath, "path to the plugin server list")
	flags.StringVar(&opts.metricsListen, "metrics-listen", opts.metricsListen, "prometheus listen address")
	flags.DurationVar(&opts.dialTimeout, "dial-timeout", opts.dialTimeout, "how long to wait for a spawned server's socket")

	v := viper.New()
	v.SetEnvPrefix("EXTPLUGIND")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	cobra.OnInitialize(func() {
		for _, name := range []string{"config", "metrics-listen", "dial-timeout"} {
			if flag := flags.Lookup(name); flag != nil && !flag.Changed && v.IsSet(flag.Name) {
				_ = flag.Value.Set(v.GetString(flag.Name))
			}
		}
	})

	root.AddCommand(
		newServeCmd(logger, &opts),
		newValidateCmd(logger, &opts),
	)
	return root
}

func newServeCmd(logger *zap.Logger, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Spawn the plugin servers and supervise them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalAwareContext(cmd.Context())
			defer cancel()

			defs, err := catalog.Load(opts.configPath, logger)
			if err != nil {
				return err
			}
			if len(defs) == 0 {
				logger.Info("nothing to supervise")
				return nil
			}

			registry := prometheus.NewRegistry()
			host := app.NewHost(app.HostConfig{
				Servers:     defs,
				Logger:      logger,
				Metrics:     telemetry.NewPrometheusMetrics(registry),
				Worker:      domain.Worker{ID: domain.SupervisorWorkerID},
				DialTimeout: opts.dialTimeout,
			})
			defer host.Close()

			host.LoadAllInfos(ctx)
			go serveMetrics(logger, opts.metricsListen, registry)

			return host.ManageServers(ctx)
		},
	}
}

func newValidateCmd(logger *zap.Logger, opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the server list, run the info commands, list the plugins",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := catalog.Load(opts.configPath, logger)
			if err != nil {
				return err
			}

			host := app.NewHost(app.HostConfig{Servers: defs, Logger: logger})
			host.LoadAllInfos(cmd.Context())

			names := host.PluginNames()
			sort.Strings(names)
			for _, name := range names {
				plugin, err := host.LoadPlugin(name)
				if err != nil {
					return err
				}
				phases := plugin.Phases()
				sort.Strings(phases)
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (priority %d) phases=%v\n",
					plugin.Name, plugin.Version, plugin.Priority, phases)
			}
			return nil
		},
	}
}

func serveMetrics(logger *zap.Logger, listen string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}

func signalAwareContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
