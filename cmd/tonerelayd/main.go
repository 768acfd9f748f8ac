package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	r "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/tonerelay/internal/api"
	"github.com/austindbirch/tonerelay/internal/auth"
	"github.com/austindbirch/tonerelay/internal/channel"
	"github.com/austindbirch/tonerelay/internal/config"
	"github.com/austindbirch/tonerelay/internal/delivery"
	"github.com/austindbirch/tonerelay/internal/dispatcher"
	"github.com/austindbirch/tonerelay/internal/health"
	"github.com/austindbirch/tonerelay/internal/intake"
	"github.com/austindbirch/tonerelay/internal/logging"
	"github.com/austindbirch/tonerelay/internal/metrics"
	"github.com/austindbirch/tonerelay/internal/ratelimit"
	"github.com/austindbirch/tonerelay/internal/store"
	"github.com/austindbirch/tonerelay/internal/tracing"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.FromEnv()

	logger := logging.New(cfg.AppName + "d")
	logger.SetLevel(logging.ParseLevel(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Plain().WithError(err).Fatalf("%sd failed", cfg.AppName)
	}
	logger.Plain().Infof("%sd stopped", cfg.AppName)
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger) error {
	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.AppName,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Plain().WithError(err).Warn("tracing shutdown failed")
		}
	}()

	// One daemon per state file. Postgres takes an advisory lock in Open.
	if cfg.Store.Driver == "sqlite" {
		lock, err := acquireLock(cfg.Store.LockPath())
		if err != nil {
			return err
		}
		defer func() { _ = lock.Unlock() }()
	}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.DSN())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	checks := map[string]health.Pinger{"store": st}

	limiter, rdb, err := buildLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		checks["redis"] = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	channels, err := buildChannels(cfg)
	if err != nil {
		return err
	}

	var (
		sinks    []dispatcher.EscalationSink
		producer intake.Producer
	)
	if cfg.NSQ.Enabled && cfg.NSQ.PublishEscalation {
		p, err := intake.NewProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return err
		}
		producer = p
		defer producer.Stop()
		sinks = append(sinks, intake.NewEscalationPublisher(producer, cfg.NSQ.EscalationTopic))
	}

	disp, err := dispatcher.New(dispatcher.Options{
		Store:        st,
		Limiter:      limiter,
		Channels:     channels,
		Policies:     dispatcherPolicies(cfg),
		PoolSize:     cfg.Dispatcher.PoolSize,
		PollInterval: cfg.Dispatcher.PollInterval,
		MaxLifetime:  cfg.Dispatcher.MaxLifetime,
		Retention:    cfg.Dispatcher.Retention,
		PersistRetry: cfg.Dispatcher.PersistRetryMaxElapsed,
		Escalation: dispatcher.Escalation{
			Group:       cfg.Dispatcher.EscalationGroup,
			MaxAttempts: cfg.Dispatcher.EscalationMaxAttempts,
			Priority:    cfg.Dispatcher.EscalationPriority,
		},
		Sinks:  sinks,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	disp.OnComplete(func(t delivery.Task) {
		logger.Plain().
			WithTask(t.ID).
			WithChannel(string(t.Channel)).
			WithField("state", string(t.State)).
			WithField("attempt", t.Attempt).
			Debug("task completed")
	})

	if _, err := disp.Recover(ctx); err != nil {
		return fmt.Errorf("recover state: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	httpSrv := &http.Server{
		Addr: cfg.HTTPPort,
		Handler: api.NewRouter(api.Options{
			Service:  disp,
			Checks:   checks,
			Gatherer: reg,
			Auth:     validator,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var consumer *intake.Consumer
	if cfg.NSQ.Enabled {
		consumer, err = intake.NewConsumer(cfg.NSQ, &intake.Handler{
			Submitter:    disp,
			Logger:       logger,
			RequeueDelay: 5 * time.Second,
			Ctx:          ctx,
		})
		if err != nil {
			return err
		}
		if err := consumer.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return disp.Run(gctx)
	})

	g.Go(func() error {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})

	if consumer != nil {
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return consumer.Stop(sctx)
		})

		monitor := intake.NewBacklogMonitor(cfg.NSQ, logger)
		g.Go(func() error { return monitor.Run(gctx) })
	}

	logger.Plain().
		WithField("store", cfg.Store.Driver).
		WithField("pool_size", cfg.Dispatcher.PoolSize).
		WithField("nsq", cfg.NSQ.Enabled).
		Info("tonerelayd started")

	return g.Wait()
}

func acquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another tonerelayd instance holds %s", path)
	}
	return lock, nil
}

// buildValidator returns nil when auth is off. A public key selects RS256.
func buildValidator(cfg config.Auth) (*auth.JWTValidator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.PublicKey == "" {
		return auth.NewHMACValidator(cfg.Secret, cfg.Issuer, cfg.Audience)
	}
	pemText := cfg.PublicKey
	if !strings.HasPrefix(strings.TrimSpace(pemText), "-----BEGIN") {
		b, err := os.ReadFile(pemText)
		if err != nil {
			return nil, fmt.Errorf("read public key: %w", err)
		}
		pemText = string(b)
	}
	return auth.NewRSAValidator(pemText, cfg.Issuer, cfg.Audience)
}

func buildLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, *r.Client, error) {
	if cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewMemory(cfg.Cooldowns()), nil, nil
	}
	rdb := r.NewClient(&r.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RateLimit.RedisAddr, err)
	}
	return ratelimit.NewRedis(rdb, cfg.RateLimit.KeyPrefix, cfg.Cooldowns()), rdb, nil
}

func buildChannels(cfg config.Config) (channel.Registry, error) {
	var routing channel.Routing
	if cfg.Pushover.RoutingFile != "" {
		var err error
		routing, err = channel.LoadRouting(cfg.Pushover.RoutingFile)
		if err != nil {
			return nil, fmt.Errorf("load routing: %w", err)
		}
	}

	return channel.NewRegistry(
		channel.NewWebhook(channel.WebhookConfig{
			Client:    &http.Client{},
			Secret:    cfg.Webhook.Secret,
			UserAgent: cfg.Webhook.UserAgent,
		}),
		channel.NewPushover(channel.PushoverConfig{
			BaseURL: cfg.Pushover.APIURL,
			Token:   cfg.Pushover.Token,
			Routing: routing,
			Retry:   cfg.Pushover.Retry,
			Expire:  cfg.Pushover.Expire,
			AckWait: cfg.Pushover.AckTimeout,
			AckPoll: cfg.Pushover.AckPoll,
		}),
		channel.NewFTP(channel.FTPConfig{
			Addr:        cfg.FTP.Addr,
			User:        cfg.FTP.User,
			Pass:        cfg.FTP.Pass,
			DialTimeout: cfg.FTP.DialTimeout,
			SourceDir:   cfg.FTP.SourceDir,
		}),
	), nil
}

func dispatcherPolicies(cfg config.Config) map[delivery.ChannelKind]dispatcher.Policy {
	out := make(map[delivery.ChannelKind]dispatcher.Policy, len(cfg.Policies))
	for kind, p := range cfg.Policies {
		out[kind] = dispatcher.Policy{
			MaxAttempts:      p.MaxAttempts,
			Backoff:          p.Backoff,
			AttemptTimeout:   p.AttemptTimeout,
			PermanentReasons: p.PermanentReasons,
		}
	}
	return out
}
