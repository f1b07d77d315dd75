package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ali5Raza/queue-management-system/internal/announce"
	"github.com/Ali5Raza/queue-management-system/internal/config"
	"github.com/Ali5Raza/queue-management-system/internal/dispatch"
	"github.com/Ali5Raza/queue-management-system/internal/feed"
	"github.com/Ali5Raza/queue-management-system/internal/httpapi"
	"github.com/Ali5Raza/queue-management-system/internal/hub"
	"github.com/Ali5Raza/queue-management-system/internal/identity"
	"github.com/Ali5Raza/queue-management-system/internal/models"
	"github.com/Ali5Raza/queue-management-system/internal/store"
	"github.com/Ali5Raza/queue-management-system/internal/store/memory"
	"github.com/Ali5Raza/queue-management-system/internal/store/postgres"
	"github.com/Ali5Raza/queue-management-system/internal/telemetry"
	"github.com/Ali5Raza/queue-management-system/internal/tokennum"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("dispatch-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	if cfg.IdentityKey == "" {
		log.Fatal("IDENTITY_KEY is required")
	}
	guard, err := identity.NewGuard(cfg.IdentityKey)
	if err != nil {
		log.Fatalf("identity guard: %v", err)
	}

	var (
		tokens   store.TokenStore
		counters store.CounterStore
		queues   store.QueueStore
		reports  store.ReportStore
		source   feed.Source
	)
	if cfg.DatabaseURL == "" {
		log.Printf("DB_DSN not set, using in-memory store")
		mem := memory.NewStore()
		tokens, counters, queues, reports, source = mem, mem, mem, mem, mem
	} else {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()

		pg := postgres.NewStore(pool, postgres.Options{})
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("ensure schema: %v", err)
		}
		cancel()
		tokens, counters, queues, reports, source = pg, pg, pg, pg, pg
	}

	queueID, err := ensureDefaultQueue(context.Background(), queues)
	if err != nil {
		log.Fatalf("default queue: %v", err)
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var speaker announce.Speaker = announce.LogSpeaker{}
	if cfg.AnnounceURL != "" {
		speaker = &announce.HTTPSpeaker{URL: cfg.AnnounceURL}
	}
	announcer := announce.New(speaker, cfg.AnnounceBuffer)
	go announcer.Run(workerCtx)

	h := hub.New()
	relay := feed.New(source, h, feed.Config{
		Interval:  cfg.FeedPollInterval,
		BatchSize: cfg.FeedBatchSize,
		Start:     time.Now().UTC(),
	})
	go relay.Run(workerCtx)

	numbers := tokennum.New(cfg.TokenNumberPrefix, cfg.TokenNumberAttempts)
	dispatcher := dispatch.New(tokens, guard, numbers, h, announcer, dispatch.Options{QueueID: queueID})

	handler := httpapi.NewHandler(dispatcher, counters, queues, reports)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("/metrics", expvar.Handler())
	sockjsHandler := sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		// The feed is broadcast-only; inbound frames are drained and ignored.
		for {
			if _, err := session.Recv(); err != nil {
				return
			}
		}
	})
	mux.Handle("/realtime/", sockjsHandler)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "dispatch-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("dispatch-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopWorkers()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// ensureDefaultQueue returns the first active queue, creating one when the
// store is empty. Issued tokens all land on this queue.
func ensureDefaultQueue(ctx context.Context, queues store.QueueStore) (string, error) {
	existing, err := queues.ListQueues(ctx)
	if err != nil {
		return "", err
	}
	for _, queue := range existing {
		if queue.Active {
			return queue.QueueID, nil
		}
	}
	created, err := queues.CreateQueue(ctx, models.Queue{
		Name:        "Main Queue",
		Description: "Default walk-in queue",
		Active:      true,
	})
	if err != nil {
		return "", err
	}
	return created.QueueID, nil
}
