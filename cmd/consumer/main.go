package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-assignment/internal/config"
	"github.com/example/carpool-assignment/internal/dispatch"
	"github.com/example/carpool-assignment/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_notifications_consumed_total",
		Help: "Total outbox notifications consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_notifications_invalid_total",
		Help: "Total undecodable outbox records",
	})
	msgsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_notifications_handled_total",
		Help: "Outbox notifications by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsHandled)
}

func main() {
	_ = godotenv.Load()

	cfg, cfgErr := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, os.Stdout)
	if cfgErr != nil {
		logger.Error("invalid configuration", "error", cfgErr)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})

	var sinks []dispatch.Sink
	if cfg.PushEndpoint != "" {
		sinks = append(sinks, dispatch.NewHTTPRelay(dispatch.ChannelPush, cfg.PushEndpoint, cfg.PushKey))
	}
	if cfg.MailEndpoint != "" {
		sinks = append(sinks, dispatch.NewHTTPRelay(dispatch.ChannelMail, cfg.MailEndpoint, cfg.MailKey))
	}
	if len(sinks) == 0 {
		logger.Warn("no PUSH_ENDPOINT or MAIL_ENDPOINT; notifications are only stored in inboxes")
	}
	p := &processor{
		inbox:     &redisAdapter{c: rc},
		sinks:     sinks,
		inboxLen:  int64(cfg.InboxLen),
		inboxTTL:  cfg.InboxTTL,
		dedupeTTL: cfg.DedupeTTL,
		attempts:  3,
		delay:     200 * time.Millisecond,
		logger:    logging.Component(logger, "consumer"),
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		if n, err := dispatch.DecodeMessage(m); err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid outbox record", "offset", m.Offset, "partition", m.Partition, "error", err)
		} else {
			msgsHandled.WithLabelValues(string(p.handle(ctx, n))).Inc()
		}
		// Commit only after handling; a crash before this point redelivers
		// the record and the missing marker lets it through again.
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			logger.Warn("kafka commit failed", "offset", m.Offset, "partition", m.Partition, "error", err)
		}
	}
}
