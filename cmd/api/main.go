package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/aws"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/config"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/database"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/handlers"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/logging"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/notify"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/provisioning"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/webhook"
)

const serviceName = "fulfillment-api"

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.RequestLogger(cfg.Logger))

	handlers.RegisterHealthRoutes(r, cfg)
	handlers.RegisterWebhookRoutes(r, cfg)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(config.SectionServer, config.SectionDatabase, config.SectionWebhook,
		config.SectionProvision, config.SectionMail); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Log, serviceName)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	db, err := database.Connect(ctx, database.Config{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer db.Close()

	store := fulfillment.NewStore(db, cfg.Provision.DefaultProductID)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}

	mailer, err := notify.NewSMTPNotifier(notify.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
	})
	if err != nil {
		logger.Fatal("init mailer", zap.Error(err))
	}

	relay := provisioning.NewClient(cfg.Provision.URL, cfg.Provision.Token, cfg.Provision.Timeout)
	announcer := dispatch.NewAnnouncer(store, mailer, cfg.Mail.Subject, logger)

	hcfg := handlers.HandlerConfig{
		Verifier:  webhook.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance),
		Health:    store,
		Logger:    logger,
		BodyLimit: cfg.Server.BodyLimit,
	}
	opts, err := wireAWS(ctx, cfg.AWS, &hcfg, logger)
	if err != nil {
		logger.Fatal("init aws clients", zap.Error(err))
	}
	hcfg.Dispatcher = dispatch.New(store, relay, announcer, logger, opts...)

	r := setupRouter(hcfg)

	// if RUN_LOCAL is true, serve HTTP directly for development
	if cfg.Server.RunLocal {
		if err := serveLocal(r, cfg.Server, logger); err != nil {
			logger.Fatal("local server", zap.Error(err))
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}

// wireAWS builds the optional AWS-backed collaborators. Nothing is created when none of them is configured.
func wireAWS(ctx context.Context, cfg config.AWSConfig, hcfg *handlers.HandlerConfig, logger *zap.Logger) ([]dispatch.Option, error) {
	clients, err := aws.NewClients(ctx, aws.Features{
		Ledger:   cfg.DeliveryTable != "",
		Recovery: cfg.NotifyQueueURL != "",
		Metrics:  cfg.MetricsNamespace != "",
	})
	if err != nil {
		return nil, err
	}

	var opts []dispatch.Option
	if cfg.DeliveryTable != "" {
		hcfg.Ledger = idempotency.NewStore(clients.DynamoDB, cfg.DeliveryTable, cfg.DeliveryTTL)
		logger.Info("delivery ledger enabled", zap.String("table", cfg.DeliveryTable))
	}
	if cfg.NotifyQueueURL != "" {
		opts = append(opts, dispatch.WithRecoveryQueue(aws.NewPublisher(clients.SQS, cfg.NotifyQueueURL)))
		logger.Info("notification recovery enabled", zap.String("queue_url", cfg.NotifyQueueURL))
	}
	if cfg.MetricsNamespace != "" {
		metrics := aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace, serviceName)
		hcfg.Metrics = metrics
		opts = append(opts, dispatch.WithMetrics(metrics))
	}
	return opts, nil
}

func serveLocal(r *gin.Engine, cfg config.ServerConfig, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("running local server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
