package main // Entry point package

import (
	"context"
	"database/sql"
	"errors"
	stdlog "log"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/ticketmall/internal/capacity"
	"github.com/iliyamo/ticketmall/internal/config"
	"github.com/iliyamo/ticketmall/internal/database"
	"github.com/iliyamo/ticketmall/internal/gateway"
	"github.com/iliyamo/ticketmall/internal/handler"
	"github.com/iliyamo/ticketmall/internal/ledger"
	"github.com/iliyamo/ticketmall/internal/lock"
	"github.com/iliyamo/ticketmall/internal/logger"
	"github.com/iliyamo/ticketmall/internal/middleware"
	"github.com/iliyamo/ticketmall/internal/model"
	"github.com/iliyamo/ticketmall/internal/order"
	"github.com/iliyamo/ticketmall/internal/queue"
	"github.com/iliyamo/ticketmall/internal/repository"
	"github.com/iliyamo/ticketmall/internal/reservation"
	"github.com/iliyamo/ticketmall/internal/router"
	"github.com/iliyamo/ticketmall/internal/seat"
	"github.com/iliyamo/ticketmall/internal/service"
)

func main() {
	cfg := config.Load() // Load environment config

	log, err := logger.New(cfg.Env)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}

func openDB(cfg config.Config) (*sql.DB, error) {
	if cfg.DBDriver == "sqlite" {
		return database.OpenSQLite(cfg.DBPath)
	}
	return database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.DBAutoMigrate || cfg.DBDriver == "sqlite" {
		if err := database.Migrate(db, cfg.DBDriver); err != nil {
			return err
		}
		log.Info("migrations applied", zap.String("driver", cfg.DBDriver))
	}

	rdb, err := config.NewRedisClient(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Repositories and core components.
	orders := repository.NewOrderRepo(db)
	activities := repository.NewActivityRepo(db)
	showSeats := repository.NewShowSeatRepo(db)

	locks := lock.NewManager(rdb, lock.WithNamespace(cfg.LockNamespace), lock.WithLogger(log.Named("lock")))
	counter := capacity.NewCounter(rdb, "capacity")
	l := ledger.New(repository.NewLedgerRepo(db), log.Named("ledger"), nil)

	seats := seat.NewEngine(showSeats, orders, locks,
		seat.WithLockTTL(cfg.SeatLockTTL),
		seat.WithHoldFor(cfg.OrderGrace+5*time.Minute),
		seat.WithLogger(log.Named("seat")))
	coord := reservation.NewCoordinator(activities, orders, l, counter, locks,
		reservation.WithLockTTL(cfg.LockTTL),
		reservation.WithLockWait(cfg.LockWait),
		reservation.WithMaxAttempts(cfg.JoinMaxAttempts),
		reservation.WithLogger(log.Named("reservation")))

	var clients []gateway.Client
	for _, id := range slices.Sorted(maps.Keys(cfg.Gateways)) {
		clients = append(clients, gateway.NewSandbox(id, cfg.Gateways[id]))
		log.Info("payment gateway registered", zap.String("gateway", id))
	}

	opts := []order.Option{order.WithGrace(cfg.OrderGrace), order.WithLogger(log.Named("order"))}
	if cfg.RabbitURL != "" {
		pub := service.NewPublisher(cfg.RabbitURL, log)
		defer pub.Close()
		opts = append(opts, order.WithEvents(pub))
	}
	machine := order.NewMachine(orders, repository.NewPaymentRepo(db), repository.NewRefundRepo(db),
		gateway.NewRegistry(clients...),
		order.Handlers{
			model.BizGroupBuy:  reservation.NewGroupBuyHandler(coord),
			model.BizTicket:    seat.NewTicketHandler(seats),
			model.BizCardTopUp: order.NewCardTopUpHandler(l, log.Named("card")),
		},
		opts...)
	sweeper := order.NewSweeper(machine, locks, coord, order.SweeperConfig{
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
		Workers:  cfg.SweepWorkers,
	}, log.Named("sweeper"))

	// HTTP surface.
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		},
	}))

	cacheCfg := config.LoadCacheConfig()
	router.Register(e, router.Handlers{
		Ready:    &handler.ReadyHandler{DB: db, Redis: rdb},
		Activity: handler.NewActivityHandler(activities, coord, cacheCfg, rdb),
		Order:    handler.NewOrderHandler(machine, seats),
		Webhook:  handler.NewWebhookHandler(machine),
		Ops:      handler.NewOpsHandler(machine, l, coord),
	}, router.Middleware{
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
		Cache:     middleware.NewRedisCache(cacheCfg, rdb),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := sweeper.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.RabbitURL != "" {
		g.Go(func() error {
			if err := queue.StartOrderConsumer(gctx, cfg.RabbitURL, "logs", log); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
