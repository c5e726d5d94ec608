package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/lkarlslund/enginebridge/pkg/config"
	"github.com/lkarlslund/enginebridge/pkg/conversations"
	"github.com/lkarlslund/enginebridge/pkg/credentials"
	"github.com/lkarlslund/enginebridge/pkg/logstore"
	"github.com/lkarlslund/enginebridge/pkg/logutil"
	"github.com/lkarlslund/enginebridge/pkg/metrics"
	"github.com/lkarlslund/enginebridge/pkg/proxy"
	"github.com/lkarlslund/enginebridge/pkg/relay"
	"github.com/lkarlslund/enginebridge/pkg/session"
	"github.com/lkarlslund/enginebridge/pkg/store"
	"github.com/lkarlslund/enginebridge/pkg/version"
)

var (
	serveConfigPath         string
	serveListenAddrOverride string
	serveLogLevel           string
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrCreateServerConfig(serveConfigPath)
			if err != nil {
				return fmt.Errorf("load server config: %w", err)
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("loglevel") {
				cfg.Logs.Level = serveLogLevel
			}
			if err := logutil.Configure(cfg.Logs.Level); err != nil {
				return err
			}

			logs := logstore.NewStore(cfg.Logs.MaxLines)
			logutil.SetOutputTee(logs.Writer())

			kv, err := store.Open(store.Options{Backend: cfg.Store.Backend, Path: cfg.Store.Path})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer kv.Close()

			pool := credentials.NewPool(kv)
			sessions := session.NewBootstrapper(cfg.Identity.BaseURL, time.Duration(cfg.Identity.TimeoutSeconds)*time.Second)
			upstream := relay.NewUpstream(cfg.Upstream.Host, time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second, false)
			correlator := conversations.NewCorrelator(kv, time.Duration(cfg.Conversations.TTLMinutes)*time.Minute)

			scheduler := cron.New()
			if err := correlator.StartSweeper(scheduler, cfg.Conversations.SweepSchedule); err != nil {
				return err
			}
			scheduler.Start()
			defer scheduler.Stop()

			srv := proxy.NewServer(cfg, pool, sessions, upstream, correlator, logs, metrics.New())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting enginebridge", "version", version.String(), "store", cfg.Store.Backend)
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().StringVar(&serveLogLevel, "loglevel", "", "Override log level from config (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}
