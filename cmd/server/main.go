package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"yuzu/coach/internal/api"
	"yuzu/coach/internal/auth"
	"yuzu/coach/internal/coaching"
	"yuzu/coach/internal/config"
	"yuzu/coach/internal/health"
	"yuzu/coach/internal/hume"
	"yuzu/coach/internal/jobs"
	"yuzu/coach/internal/llm"
	"yuzu/coach/internal/logging"
	"yuzu/coach/internal/personas"
	"yuzu/coach/internal/store"
	"yuzu/coach/internal/watch"
)

var consume = flag.Bool("consume", true, "with AMQP_URL set, also run analysis jobs in this process")

func main() {
	flag.Parse()
	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	if err := checkTopology(cfg, *consume); err != nil {
		log.WithError(err).Fatal("invalid deployment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			log.WithError(err).Fatal("failed to open database")
		}
		st = pg
	} else {
		log.Warn("DATABASE_URL not set; sessions are kept in memory")
		st = store.NewMemory()
	}
	defer st.Close()

	model := llm.New(llm.Options{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     cfg.OpenAI.Timeout,
	})
	gen := coaching.NewGenerator(st, model, log)
	log.WithField("model", model.Model()).Info("coaching model configured")

	humeClient := hume.NewClient(cfg.Hume.APIKey, cfg.Hume.SecretKey, cfg.Hume.ConfigID, cfg.Hume.TokenURL)
	var tokens hume.TokenSource = humeClient
	if cfg.Redis.Addr != "" {
		rdb, err := hume.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.WithError(err).Warn("redis unavailable; hume tokens will not be cached")
		} else {
			defer rdb.Close()
			tokens = hume.NewRedisCachedSource(humeClient, rdb, cfg.Hume.APIKey, cfg.Hume.CacheMargin, log)
		}
	}

	var (
		dispatcher jobs.Dispatcher
		pool       *jobs.LocalPool
	)
	if cfg.AMQP.URL != "" {
		amqpCfg := jobs.AMQPConfig{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, Prefetch: cfg.Analysis.Workers}
		pub, err := jobs.NewAMQPPublisher(amqpCfg, log)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to AMQP broker")
		}
		defer pub.Close()
		dispatcher = pub
		if *consume {
			consumer := jobs.NewAMQPConsumer(amqpCfg, gen, log, cfg.Analysis.JobTimeout)
			go consumer.RunWithRetry(ctx, 5*time.Second)
		}
		log.WithField("queue", cfg.AMQP.Queue).Info("analysis jobs dispatched over AMQP")
	} else {
		pool = jobs.NewLocalPool(gen, log, cfg.Analysis.Workers, cfg.Analysis.QueueSize, cfg.Analysis.JobTimeout)
		dispatcher = pool
		log.WithField("workers", cfg.Analysis.Workers).Info("analysis jobs run in-process")
	}

	ready := func(ctx context.Context) health.HealthStatus {
		return health.CheckAll(ctx, 3*time.Second,
			health.Ping("store", st.Ping),
			health.Configured("openai", cfg.OpenAI.APIKey != "", "OPENAI_API_KEY"),
			health.Configured("hume", humeClient.Configured(), "HUME_API_KEY or HUME_SECRET_KEY"),
		)
	}

	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	h := api.NewHandlers(api.Options{
		Store:    st,
		Personas: personas.Default(),
		Jobs:     dispatcher,
		Hume:     tokens,
		Watch:    watch.NewServer(st, watch.NewRegistry(), log, time.Second),
		Tickets:  issuer,
		Log:      log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           logMiddleware(log, api.NewRouter(h, issuer, ready)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	gs := grpc.NewServer()
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() {
		l, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			log.WithError(err).Fatal("grpc listen")
		}
		log.WithField("addr", l.Addr().String()).Info("grpc health listening")
		if err := gs.Serve(l); err != nil {
			log.WithError(err).Error("grpc serve")
		}
	}()
	go reflectHealth(ctx, hs, ready, 10*time.Second)

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received; stopping server...")
		hs.Shutdown()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		gs.GracefulStop()
	}()

	log.WithField("addr", srv.Addr).Info("server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("server error")
		os.Exit(1)
	}

	if pool != nil {
		dctx, cancel := context.WithTimeout(context.Background(), cfg.Analysis.JobTimeout)
		defer cancel()
		if err := pool.Shutdown(dctx); err != nil {
			log.WithError(err).Warn("analysis jobs cancelled at shutdown")
		}
	}
}

// checkTopology rejects a broker without a shared database when no
// consumer runs in this process: a remote worker could never see the
// sessions held in this process's memory.
func checkTopology(cfg config.Config, consume bool) error {
	if cfg.AMQP.URL != "" && cfg.Database.URL == "" && !consume {
		return errors.New("AMQP_URL with -consume=false requires DATABASE_URL")
	}
	return nil
}

// reflectHealth mirrors readiness into the gRPC health service.
func reflectHealth(ctx context.Context, hs *grpchealth.Server, ready api.ReadyFunc, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if !ready(ctx).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func logMiddleware(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		}).Debug("request")
	})
}
