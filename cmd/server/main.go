package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"threadbox/backend/internal/config"
	"threadbox/backend/internal/domain"
	"threadbox/backend/internal/egress"
	"threadbox/backend/internal/filter"
	"threadbox/backend/internal/health"
	"threadbox/backend/internal/imappoll"
	"threadbox/backend/internal/ingest"
	"threadbox/backend/internal/logger"
	"threadbox/backend/internal/monitoring"
	"threadbox/backend/internal/notify"
	"threadbox/backend/internal/pool"
	"threadbox/backend/internal/provider"
	"threadbox/backend/internal/ratelimit"
	"threadbox/backend/internal/smtpout"
	"threadbox/backend/internal/storage"
	"threadbox/backend/internal/storage/memory"
	sqlstore "threadbox/backend/internal/storage/sql"
	httptransport "threadbox/backend/internal/transport/http"
)

// main 启动 HTTP API 与 IMAP 轮询的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting threadbox server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	// 存储层：配了 DSN 走 PostgreSQL，否则内存存储（开发环境）
	var store storage.Store
	if cfg.Database.DSN != "" {
		store, err = sqlstore.NewStore(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
		if err != nil {
			panic(fmt.Sprintf("failed to initialize database storage: %v", err))
		}
		log.Info("using postgres storage")
	} else {
		store = memory.NewStore()
		log.Info("using memory storage (development mode)")
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewChecker(store, log)

	// 域名过滤器，规则非法时直接拒绝启动
	inboundFilter, err := filter.New(filter.DirectionInbound, cfg.Filter.InboundAllow, cfg.Filter.InboundBlock, log)
	if err != nil {
		panic(fmt.Sprintf("invalid inbound filter config: %v", err))
	}
	outboundFilter, err := filter.New(filter.DirectionOutbound, cfg.Filter.OutboundAllow, cfg.Filter.OutboundBlock, log)
	if err != nil {
		panic(fmt.Sprintf("invalid outbound filter config: %v", err))
	}

	// 通道注册表，只装入配置了凭据的通道
	providers, err := buildProviders(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize providers: %v", err))
	}
	if len(providers) == 0 {
		log.Warn("no provider credentials configured; inbound webhooks and sends will be rejected")
	}

	// 下游推送协程池
	workers := pool.NewWorkerPool(cfg.Notify.Workers, cfg.Notify.QueueSize, log)
	workers.SetPanicHook(metrics.RecordPanic)

	var notifier ingest.Notifier
	if len(cfg.Notify.Endpoints) > 0 {
		endpoints := make([]notify.Endpoint, 0, len(cfg.Notify.Endpoints))
		for _, url := range cfg.Notify.Endpoints {
			endpoints = append(endpoints, notify.Endpoint{URL: url, Secret: cfg.Notify.Secret})
		}
		notifier = notify.NewNotifier(endpoints, workers, log)
		log.Info("downstream notifications enabled", zap.Int("endpoints", len(endpoints)))
	}

	pipeline := ingest.NewPipeline(store, inboundFilter, notifier, metrics, log)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.PerMinute > 0 || cfg.RateLimit.PerHour > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	}
	egressService := egress.NewService(store, outboundFilter, limiter, providers, metrics, log)

	poller := imappoll.NewManager(store, pipeline, nil, metrics, log)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:    cfg,
		Store:     store,
		Pipeline:  pipeline,
		Egress:    egressService,
		Providers: providers,
		Poller:    poller,
		Metrics:   metrics,
		Health:    healthChecker,
		Logger:    log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		if err := poller.Run(groupCtx); err != nil && err != context.Canceled {
			log.Error("IMAP poller error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP server shutdown error", zap.Error(err))
		}
		workers.Stop()
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Error("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}

// buildProviders 按配置装配通道注册表。
func buildProviders(cfg *config.Config, log *zap.Logger) (map[domain.ProviderType]provider.Provider, error) {
	providers := make(map[domain.ProviderType]provider.Provider)

	if cfg.ProviderConfigured(domain.ProviderMailgun) {
		providers[domain.ProviderMailgun] = provider.NewMailgunProvider(provider.MailgunConfig{
			Domain:             cfg.Providers.Mailgun.Domain,
			APIKey:             cfg.Providers.Mailgun.APIKey,
			SigningKey:         cfg.Providers.Mailgun.SigningKey,
			BaseURL:            cfg.Providers.Mailgun.BaseURL,
			SignatureTolerance: cfg.Providers.SignatureTolerance,
		})
		log.Info("mailgun provider enabled", zap.String("domain", cfg.Providers.Mailgun.Domain))
	}

	if cfg.ProviderConfigured(domain.ProviderSES) {
		providers[domain.ProviderSES] = provider.NewSESProvider(provider.SESConfig{
			Region:    cfg.Providers.SES.Region,
			AccessKey: cfg.Providers.SES.AccessKey,
			SecretKey: cfg.Providers.SES.SecretKey,
		})
		log.Info("ses provider enabled", zap.String("region", cfg.Providers.SES.Region))
	}

	if cfg.ProviderConfigured(domain.ProviderSendGrid) {
		sg, err := provider.NewSendGridProvider(provider.SendGridConfig{
			APIKey:             cfg.Providers.SendGrid.APIKey,
			VerificationKey:    cfg.Providers.SendGrid.VerificationKey,
			SignatureTolerance: cfg.Providers.SignatureTolerance,
		})
		if err != nil {
			return nil, fmt.Errorf("sendgrid: %w", err)
		}
		providers[domain.ProviderSendGrid] = sg
		log.Info("sendgrid provider enabled")
	}

	if cfg.ProviderConfigured(domain.ProviderResend) {
		providers[domain.ProviderResend] = provider.NewResendProvider(provider.ResendConfig{
			APIKey:             cfg.Providers.Resend.APIKey,
			WebhookSecret:      cfg.Providers.Resend.WebhookSecret,
			SignatureTolerance: cfg.Providers.SignatureTolerance,
		})
		log.Info("resend provider enabled")
	}

	if cfg.ProviderConfigured(domain.ProviderIMAPSMTP) {
		sender := smtpout.NewSender(smtpout.Config{
			Host:     cfg.Providers.SMTP.Host,
			Port:     cfg.Providers.SMTP.Port,
			Username: cfg.Providers.SMTP.Username,
			Password: cfg.Providers.SMTP.Password,
			UseTLS:   cfg.Providers.SMTP.UseTLS,
		}, log)
		providers[domain.ProviderIMAPSMTP] = provider.NewIMAPSMTPProvider(sender)
		log.Info("imap/smtp provider enabled", zap.String("smtp_host", cfg.Providers.SMTP.Host))
	}

	return providers, nil
}
