package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Amr2/wanna-help/internal/bus"
	"github.com/Amr2/wanna-help/internal/config"
	"github.com/Amr2/wanna-help/internal/db"
	apihttp "github.com/Amr2/wanna-help/internal/http"
	"github.com/Amr2/wanna-help/internal/push"
	"github.com/Amr2/wanna-help/internal/repository"
	"github.com/Amr2/wanna-help/internal/service"
	"github.com/Amr2/wanna-help/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}
	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	logger = logger.With(zap.String("instance_id", cfg.InstanceID))

	store, pinger := openStore(ctx, logger, cfg)
	defer store.Close()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := redisClient.Ping(ctxPing).Err(); err != nil {
			if cfg.BusDriver == config.BusRedis {
				logger.Fatal("redis ping failed", zap.Error(err))
			}
			logger.Warn("redis ping failed, using in-process state", zap.Error(err))
			redisClient = nil
		}
		cancel()
	}

	var (
		eventBus      bus.Bus
		presenceStore service.PresenceStore
		deduper       service.EventDeduper
		limiter       service.RateLimiter
	)
	if cfg.BusDriver == config.BusRedis {
		eventBus = bus.NewRedisBus(redisClient, logger, bus.RedisConfig{
			InstanceID: cfg.InstanceID,
			MaxLen:     cfg.BusStreamMaxLen,
		})
	} else {
		eventBus = bus.NewMemoryBus(logger)
	}
	defer eventBus.Close()
	if redisClient != nil {
		presenceStore = service.NewRedisPresenceStore(redisClient, 24*time.Hour)
		deduper = service.NewRedisEventDeduper(redisClient)
		limiter = service.NewRedisRateLimiter(redisClient, cfg.MessageRateWindow, cfg.MessageRateLimit)
	} else {
		presenceStore = service.NewMemoryPresenceStore()
		deduper = service.NewMemoryEventDeduper()
		limiter = service.NewMemoryRateLimiter(cfg.MessageRateWindow, cfg.MessageRateLimit)
	}

	var pushSender push.Sender = push.NewDisabledSender("push webhook not configured")
	if cfg.PushWebhookURL != "" {
		sender, err := push.NewWebhookSender(cfg.PushWebhookURL, 5*time.Second)
		if err != nil {
			logger.Warn("push webhook init failed", zap.Error(err))
		} else {
			pushSender = sender
		}
	}

	authSvc := service.NewAuthService(cfg.JWTSecret, time.Duration(cfg.JWTTTLMinutes)*time.Minute)
	manager := ws.NewManager(logger, ws.Config{
		InstanceID:       cfg.InstanceID,
		SendBuffer:       cfg.SendBuffer,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		PingInterval:     cfg.PingInterval,
		WriteTimeout:     cfg.WriteTimeout,
	})
	presenceSvc := service.NewPresenceService(logger, presenceStore, cfg.PresenceTTL, cfg.TypingTimeout)
	defer presenceSvc.Close()
	conversationSvc := service.NewConversationService(store.Conversations)
	deliverySvc := service.NewDeliveryService(logger, store, cfg.ReplayLimit)
	notificationSvc := service.NewNotificationService(logger, store.Notifications, presenceSvc, deduper, pushSender, cfg.NotifyTopics)
	routerSvc := service.NewRouterService(logger, cfg.InstanceID, manager, presenceSvc, eventBus, store.Conversations, notificationSvc)
	gatewaySvc := service.NewGatewayService(logger,
		service.GatewayConfig{InstanceID: cfg.InstanceID, PresenceTTL: cfg.PresenceTTL},
		manager, presenceSvc, conversationSvc, deliverySvc, routerSvc, notificationSvc, limiter,
	)
	manager.SetHandler(gatewaySvc)

	if _, err := notificationSvc.Start(eventBus); err != nil {
		logger.Fatal("subscribe notification dispatcher", zap.Error(err))
	}
	if _, err := routerSvc.Start(eventBus, cfg.NotifyTopics); err != nil {
		logger.Fatal("subscribe router", zap.Error(err))
	}
	if len(cfg.ProducerKeys) == 0 {
		logger.Warn("no producer keys configured, event ingestion disabled")
	}

	router := apihttp.NewRouter(logger, authSvc,
		apihttp.NewWSHandler(logger, manager, cfg.AllowedOrigins),
		apihttp.NewConversationHandler(logger, conversationSvc, deliverySvc),
		apihttp.NewNotificationHandler(logger, notificationSvc),
		apihttp.NewEventHandler(logger, eventBus, cfg.ProducerKeys),
		apihttp.NewHealthHandler(logger, cfg.InstanceID, pinger, manager),
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return gatewaySvc.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		manager.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
	}
}

// openStore devuelve el almacenamiento elegido y, si aplica, algo a lo que hacer ping en /health.
func openStore(ctx context.Context, logger *zap.Logger, cfg *config.Config) (repository.Store, repository.Pinger) {
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		if err := db.Migrate(ctx, pool); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
		return repository.NewPgStore(pool), poolPinger{pool}
	case config.StorageBadger:
		store, err := repository.OpenBadgerStore(cfg.BadgerPath, false)
		if err != nil {
			logger.Fatal("badger open", zap.Error(err))
		}
		return store, nil
	default:
		logger.Warn("using in-memory storage, data is lost on restart")
		return repository.NewMemoryStore(), nil
	}
}

type poolPinger struct{ pool *pgxpool.Pool }

func (p poolPinger) Ping(ctx context.Context) error { return db.Ping(ctx, p.pool) }
