package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-fulfillment/internal/config"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/database"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/dispatch"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/fulfillment"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/logging"
	"github.com/imrishuroy/go-idempotent-fulfillment/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(config.SectionDatabase, config.SectionMail); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := logging.New(cfg.Log, "fulfillment-worker")
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

	processor := NewProcessor(dispatch.NewAnnouncer(store, mailer, cfg.Mail.Subject, logger), logger)

	// RUN_LOCAL=true processes one message from LOCAL_SQS_BODY and exits
	if cfg.Server.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Fatal("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		event := events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}}
		if err := processor.Handle(ctx, event); err != nil {
			logger.Fatal("local handler error", zap.Error(err))
		}
		return
	}

	lambda.Start(processor.Handle)
}
