package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/sessionkit/admin"
	"github.com/cyberinferno/sessionkit/alert"
	"github.com/cyberinferno/sessionkit/config"
	"github.com/cyberinferno/sessionkit/logger"
	"github.com/cyberinferno/sessionkit/protocols/chat"
	"github.com/cyberinferno/sessionkit/protocols/echo"
	"github.com/cyberinferno/sessionkit/protocols/timeservice"
	"github.com/cyberinferno/sessionkit/server"
	"github.com/cyberinferno/sessionkit/userstore"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		configPath string
		protocol   string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath, protocol, addr)
			if err != nil {
				return err
			}

			log, err := logger.New(cfg.LoggerConfig())
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := newDaemon(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.close()

			return d.run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	cmd.Flags().StringVar(&protocol, "protocol", "", "Override server.protocol (chat, echo, time)")
	cmd.Flags().StringVar(&addr, "addr", "", "Override server.addr")

	return cmd
}

// loadConfig reads path, or the defaults when path is empty, and applies
// flag overrides.
func loadConfig(path, protocol, addr string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if protocol != "" {
		cfg.Server.Protocol = protocol
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	return cfg, cfg.Validate()
}

// daemon is one assembled sessiond process.
type daemon struct {
	cfg     config.Config
	log     logger.Logger
	srv     *server.Server
	admin   *admin.Admin
	closers []func() error
}

func newDaemon(ctx context.Context, cfg config.Config, log logger.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, log: log}

	proto, err := d.buildProtocol(ctx)
	if err != nil {
		d.close()
		return nil, err
	}

	opts := []server.Option{server.WithLogger(log)}
	if cfg.Alerts.DiscordWebhook != "" {
		notifier := alert.NewDiscord(cfg.Alerts.DiscordWebhook,
			alert.WithInterval(cfg.Alerts.Interval.Duration),
			alert.WithLogger(log),
		)
		opts = append(opts, server.WithFailureHandler(notifier.FailureHandler(cfg.Server.Name)))
	}

	d.srv = server.New(cfg.ServerConfig(), proto, opts...)

	if cfg.Admin.Addr != "" {
		d.admin = admin.New(d.srv,
			admin.WithLogger(log),
			admin.WithWebSocket(cfg.Admin.WebSocket),
		)
	}

	return d, nil
}

func (d *daemon) buildProtocol(ctx context.Context) (server.Protocol, error) {
	switch d.cfg.Server.Protocol {
	case config.ProtocolEcho:
		return echo.New(), nil
	case config.ProtocolTime:
		return timeservice.New(time.Now), nil
	case config.ProtocolChat:
		store, err := d.buildUserStore(ctx)
		if err != nil {
			return nil, err
		}
		p, err := chat.New(userstore.NewChecker(store))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: server.protocol %q", config.ErrInvalid, d.cfg.Server.Protocol)
	}
}

func (d *daemon) buildUserStore(ctx context.Context) (userstore.Store, error) {
	var store userstore.Store

	switch d.cfg.Users.Backend {
	case config.BackendSQLite:
		db, err := userstore.OpenSQLite(d.cfg.Users.Path)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, db.Close)

		for _, u := range d.cfg.SeedUsers() {
			if err := db.Put(ctx, u); err != nil {
				return nil, fmt.Errorf("seed user %s: %w", u.Name, err)
			}
		}
		store = db
	default:
		store = userstore.NewMemoryStore(d.cfg.SeedUsers()...)
	}

	ttl := d.cfg.Cache.TTL.Duration

	switch d.cfg.Cache.Backend {
	case config.BackendMemory:
		return userstore.NewCachedStore(store, userstore.NewMemoryCache(ttl)), nil
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     d.cfg.Cache.RedisAddr,
			Password: d.cfg.Cache.RedisPassword,
			DB:       d.cfg.Cache.RedisDB,
		})
		d.closers = append(d.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			// logins report ErrUnavailable until redis answers
			d.log.Warn("redis unreachable", logger.Field{Key: "addr", Value: d.cfg.Cache.RedisAddr}, logger.Err(err))
		}
		return userstore.NewCachedStore(store, userstore.NewRedisCache(client, ttl)), nil
	default:
		return store, nil
	}
}

// run starts the servers and blocks until ctx is cancelled.
func (d *daemon) run(ctx context.Context) error {
	if err := d.srv.Start(); err != nil {
		return err
	}

	if d.admin != nil {
		if err := d.admin.Start(d.cfg.Admin.Addr); err != nil {
			d.srv.Stop()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		d.srv.Stop()
		return nil
	})

	if d.admin != nil {
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return d.admin.Shutdown(sctx)
		})
	}

	err := g.Wait()
	d.log.Info("sessiond stopped")
	return err
}

func (d *daemon) close() {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}

	if err := errors.Join(errs...); err != nil {
		d.log.Warn("release resources", logger.Err(err))
	}
	d.closers = nil
}
