package main

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pdfmill/pdfmill/auth"
	"github.com/pdfmill/pdfmill/broker"
	"github.com/pdfmill/pdfmill/mail"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var authEnvironment auth.Environment
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		authEnvironment = auth.EnvProduction
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		authEnvironment = auth.EnvDevelopment
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: string(authEnvironment),
		Debug:       authEnvironment == auth.EnvDevelopment,
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "worker",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	amqpBroker, err := broker.NewAMQPBroker(os.Getenv("AMQP_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	smtpAuth := smtp.PlainAuth("", os.Getenv("SMTP_USERNAME"), os.Getenv("SMTP_PASSWORD"), os.Getenv("SMTP_HOST"))

	mailer, err := mail.NewMailer(mail.MailerOptions{
		Auth:     smtpAuth,
		Logger:   logger,
		Hostname: os.Getenv("SMTP_HOST") + ":" + os.Getenv("SMTP_PORT"),
		From:     os.Getenv("SMTP_FROM"),
	})
	if err != nil {
		logger.Fatal("Cannot initialize Mailer",
			zap.Error(err),
		)
	}
	adminEmail := os.Getenv("ADMIN_EMAIL")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	alerts, err := amqpBroker.ReceiveReconcileAlerts(ctx)
	if err != nil {
		logger.Fatal("Cannot receive reconcile alerts",
			zap.Error(err),
		)
	}

	go func() {
		for alert := range alerts {
			logger.Error("Billing event needs manual reconciliation",
				zap.String("EventID", alert.EventID),
				zap.String("EventType", alert.EventType),
				zap.String("UserID", alert.UserID),
				zap.String("Reason", alert.Reason),
				zap.String("Detail", alert.Detail),
				zap.Time("OccurredAt", alert.OccurredAt),
			)
			if adminEmail != "" {
				body := fmt.Sprintf(
					"A billing event was acknowledged but not applied:\r\n\r\n"+
						"Event: %s (%s)\r\n"+
						"User: %s\r\n"+
						"Reason: %s\r\n"+
						"Detail: %s\r\n"+
						"Occurred: %s\r\n",
					alert.EventID,
					alert.EventType,
					alert.UserID,
					alert.Reason,
					alert.Detail,
					alert.OccurredAt.Format(time.RFC3339),
				)
				mailer.SendAlert(adminEmail, "Billing reconciliation needed: "+alert.EventID, body)
			}
		}
	}()

	logger.Info("Reconcile worker started")

	<-c
	cancel()

}
