package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"barbershop/queue-service/internal/automation"
	"barbershop/queue-service/internal/config"
	"barbershop/queue-service/internal/httpapi"
	"barbershop/queue-service/internal/hub"
	"barbershop/queue-service/internal/notify"
	"barbershop/queue-service/internal/store"
	"barbershop/queue-service/internal/store/memory"
	"barbershop/queue-service/internal/store/postgres"
	"barbershop/queue-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const serviceName = "queue-service"

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup(serviceName)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var queueStore store.QueueStore
	switch cfg.StoreDriver {
	case "memory":
		log.Printf("using in-memory store; data is lost on restart")
		queueStore = memory.New()
	default:
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		queueStore = postgres.NewStore(pool)
	}

	queueHub := hub.New()
	notifier := notify.Fanout{
		notify.New(cfg.NotifyProvider, notify.Options{
			WebhookURL:   cfg.NotifyWebhookURL,
			WebhookToken: cfg.NotifyWebhookToken,
		}),
		notify.Func(func(ctx context.Context, n notify.Notification) {
			queueHub.PublishNotification(n)
		}),
	}

	finalizer := automation.NewFinalizer(queueStore, notifier, automation.FinalizerConfig{
		GuestCustomerIDs: cfg.GuestCustomerIDs,
	})
	engine := automation.NewEngine(queueStore, finalizer, notifier, automation.Config{
		TickInterval:          cfg.TickInterval,
		ResubscribeInterval:   cfg.ResubscribeInterval,
		DefaultServiceMinutes: cfg.DefaultServiceMinutes,
		AbsentPositionCap:     cfg.AbsentPositionCap,
		Rooms:                 cfg.Rooms,
	})
	engine.OnView(queueHub.PublishView)
	if err := engine.Start(context.Background()); err != nil {
		log.Fatalf("automation start: %v", err)
	}

	handler := httpapi.NewHandler(queueStore, engine, queueHub, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitIPPerMinute,
		IPBurst:       cfg.RateLimitIPBurst,
		ItemPerMinute: cfg.RateLimitItemPerMin,
		ItemBurst:     cfg.RateLimitItemBurst,
	})

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(handler.Routes())), serviceName)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("%s listening on %s", serviceName, server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	engine.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
