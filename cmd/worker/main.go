package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"yuzu/coach/internal/coaching"
	"yuzu/coach/internal/config"
	"yuzu/coach/internal/health"
	"yuzu/coach/internal/jobs"
	"yuzu/coach/internal/llm"
	"yuzu/coach/internal/logging"
	"yuzu/coach/internal/store"
)

var (
	probeAddr = flag.String("probe-addr", ":8083", "worker probes/metrics listen addr")
	backoff   = flag.Duration("reconnect", 5*time.Second, "delay between broker reconnect attempts")
)

func main() {
	flag.Parse()
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if cfg.AMQP.URL == "" {
		log.Fatal("AMQP_URL is required for the analysis worker")
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required for the analysis worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenPostgres(ctx, cfg.Database.URL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer st.Close()

	model := llm.New(llm.Options{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Timeout:     cfg.OpenAI.Timeout,
	})
	consumer := jobs.NewAMQPConsumer(jobs.AMQPConfig{
		URL:      cfg.AMQP.URL,
		Queue:    cfg.AMQP.Queue,
		Prefetch: cfg.Analysis.Workers,
	}, coaching.NewGenerator(st, model, log), log, cfg.Analysis.JobTimeout)

	// metrics/health
	go func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok\n")) })
		mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
			status := health.CheckAll(r.Context(), 3*time.Second,
				health.Ping("store", st.Ping),
				health.Ping("openai", model.Ping),
			)
			if !status.OK {
				w.WriteHeader(http.StatusServiceUnavailable)
			}
			w.Write([]byte(status.String()))
		})
		mux.Handle("/metrics", promhttp.Handler())
		log.WithField("addr", *probeAddr).Info("worker probes/metrics listening")
		_ = http.ListenAndServe(*probeAddr, mux)
	}()

	log.WithFields(logrus.Fields{"queue": cfg.AMQP.Queue, "model": model.Model()}).Info("analysis worker consuming")
	consumer.RunWithRetry(ctx, *backoff)
	log.Info("analysis worker stopped")
}
