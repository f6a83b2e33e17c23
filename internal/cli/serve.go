package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/tablewire/caps/internal/auth"
	"github.com/tablewire/caps/internal/check"
	"github.com/tablewire/caps/internal/config"
	"github.com/tablewire/caps/internal/engine"
	"github.com/tablewire/caps/internal/httpapi"
	"github.com/tablewire/caps/internal/kitchen"
	"github.com/tablewire/caps/internal/lock"
	"github.com/tablewire/caps/internal/logging"
	"github.com/tablewire/caps/internal/loyalty"
	"github.com/tablewire/caps/internal/payment"
	"github.com/tablewire/caps/internal/sequence"
	"github.com/tablewire/caps/internal/service"
	"github.com/tablewire/caps/internal/store"
)

// NewServeCommand runs the backend service.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the backend check service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.New("caps-server")

	// Storage: postgres in production, memory when no URL is configured
	// (development and demos).
	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn("store_memory", logging.Fields{"reason": "no database.url configured"})
		st = store.NewMemory()
	}

	var locks lock.Manager
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		locks = lock.NewRedis(rdb, cfg.Lock.TTL)
	} else {
		locks = lock.NewMemory(cfg.Lock.TTL)
	}

	var publisher kitchen.Publisher
	if cfg.RabbitMQ.Enabled {
		p, err := kitchen.DialAMQP(kitchen.AMQPConfig{
			Host:     cfg.RabbitMQ.Host,
			Port:     cfg.RabbitMQ.Port,
			User:     cfg.RabbitMQ.User,
			Password: cfg.RabbitMQ.Password,
			VHost:    cfg.RabbitMQ.VHost,
		})
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
	} else {
		publisher = kitchen.NewMemoryPublisher()
	}

	gw, err := payment.Open(cfg.Payment.Processor, cfg.Payment.Settings)
	if err != nil {
		return err
	}
	orch := payment.NewOrchestrator(gw,
		payment.WithCallTimeout(cfg.Payment.CallTimeout),
		payment.WithStatusRetries(cfg.Payment.StatusRetries, cfg.Payment.StatusDelay),
	)

	svc := service.New(service.Deps{
		Store:    st,
		Engine:   engine.New(check.AddOnTax(cfg.Tax.RateBasisPoints)),
		Locks:    locks,
		Payments: orch,
		Kitchen:  publisher,
		Loyalty:  loyalty.NewMemoryProgram(),
		Numbers:  sequence.NewAllocator("BACKEND", cfg.Terminal.GrantSize, st),
		Log:      log,
	})

	var apiOpts []httpapi.Option
	if cfg.Auth.JWTSecret != "" {
		apiOpts = append(apiOpts, httpapi.WithAuth(auth.New(cfg.Auth.JWTSecret, st)))
	} else {
		log.Warn("auth_disabled", logging.Fields{"reason": "no auth.jwt_secret configured"})
	}

	srv := httpapi.New(svc, log, apiOpts...)
	err = srv.Start(ctx, cfg.HTTP.Addr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server_stopped", logging.Fields{"uptime_end": time.Now().UTC()})
	return nil
}
