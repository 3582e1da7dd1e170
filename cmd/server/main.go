package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/hongjun500/signal/internal/bus/redisstream"
	"github.com/hongjun500/signal/internal/config"
	"github.com/hongjun500/signal/internal/observe"
	"github.com/hongjun500/signal/internal/router"
	"github.com/hongjun500/signal/internal/subscriber"
	"github.com/hongjun500/signal/internal/transport"
	"github.com/hongjun500/signal/pkg/logger"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.Load()
	var logLevel string

	rootCmd := &cobra.Command{
		Use:   "signal-server",
		Short: "Run a Signal protocol server",
		Long: `Run a Signal protocol server.

Settings are read from SIGNAL_* environment variables first;
flags given on the command line take precedence.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if logLevel != "" {
				logger.SetLevel(logLevel)
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg)
		},
	}

	s := &cfg.Server
	flags := rootCmd.Flags()
	flags.StringVar(&s.ListenIP, "listen", s.ListenIP, "listen ip")
	flags.IntVarP(&s.ListenPort, "port", "p", s.ListenPort, "listen port")
	flags.StringVar(&s.PresharedKey, "psk", s.PresharedKey, "16 character preshared key, empty disables auth")
	flags.IntVar(&s.MaxConnections, "max-connections", s.MaxConnections, "maximum concurrent clients, 0 for unlimited")
	flags.StringSliceVar(&s.PermittedIPs, "permit", s.PermittedIPs, "permitted ips or cidrs")
	flags.StringSliceVar(&s.BlockedIPs, "block", s.BlockedIPs, "blocked ips or cidrs")
	flags.DurationVar(&s.IdleClientTimeout, "idle-timeout", s.IdleClientTimeout, "evict clients idle longer than this, 0 disables")
	flags.DurationVar(&s.SessionTTL, "session-ttl", s.SessionTTL, "identity session lifetime")
	flags.DurationVar(&s.ForcedSessionUpdate, "forced-update", s.ForcedSessionUpdate, "allow identity takeover from another ip after this window, 0 disables")
	flags.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "admin http address, empty disables")
	flags.StringVar(&cfg.Redis.Addr, "redis", cfg.Redis.Addr, "redis address for cross-node broadcast relay")
	flags.StringVar(&logLevel, "log-level", "", "log level override")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	srv, err := transport.NewServer(cfg.Server)
	if err != nil {
		return err
	}
	subscriber.RegisterAll(srv.Events())

	routes := router.New()
	if err := router.RegisterBuiltins(routes, srv); err != nil {
		return err
	}
	srv.SetRequestHandler(routes.Handle)

	if cfg.Redis.Enabled() {
		// 每个节点独占一个消费组，保证所有节点都收到每条广播
		node := uuid.NewString()
		bus := redisstream.New(cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Stream, cfg.Redis.Group+"."+node)
		defer bus.Close()
		if err := bus.EnsureGroup(ctx); err != nil {
			return fmt.Errorf("redis group: %w", err)
		}
		relay := subscriber.NewRelay(node, bus, srv)
		detach := relay.Attach(srv.Events())
		defer detach()
		go func() {
			err := bus.Consume(ctx, relay.Node(), relay.Deliver)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Sugar().Errorw("relay_consume_exit", "err", err)
			}
		}()
		logger.L().Sugar().Infow("relay_enabled", "redis", cfg.Redis.Addr, "stream", cfg.Redis.Stream, "node", relay.Node())
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observe.StartHTTP(cfg.MetricsAddr, srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L().Sugar().Errorw("admin_http_exit", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return srv.Stop()
}
