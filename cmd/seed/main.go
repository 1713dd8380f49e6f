package main

import (
	"context"
	"log"
	"os"

	"github.com/pdfmill/pdfmill/db"
	"github.com/pdfmill/pdfmill/plan"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer logger.Sync()

	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	db, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	planManager, err := plan.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize PlanManager",
			zap.Error(err),
		)
	}

	seeded, err := planManager.Seed(context.Background())
	if err != nil {
		logger.Fatal("Cannot seed plan catalog",
			zap.Error(err),
		)
	}

	if seeded {
		logger.Info("Plan catalog seeded")
	} else {
		logger.Info("Plan catalog already exists, nothing to do")
	}
}
