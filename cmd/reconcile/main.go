// Command reconcile runs one reconciliation pass over the previous
// RECON_WINDOW of settled payments, writing CSV and Parquet artifacts under
// RECON_OUTPUT_DIR. Intended to be triggered once daily near RECON_RUN_HOUR
// by an external scheduler, mirroring the batch-job shape of
// services/otc-gateway's reconciler rather than running its own ticker loop.
package main

import (
	"context"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	glebarezSqlite "github.com/glebarez/sqlite"

	"agentgateway/internal/config"
	"agentgateway/internal/logging"
	"agentgateway/internal/recon"
)

func main() {
	cfg := config.Load()
	slogger := logging.Setup("reconcile", cfg.Env, cfg.LogLevel)

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	var db *gorm.DB
	var err error
	if cfg.DatabaseDriver == "sqlite" {
		db, err = gorm.Open(glebarezSqlite.Open(cfg.DatabaseURL), gormCfg)
	} else {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	if err != nil {
		slogger.Error("open database", "error", err)
		return
	}

	reconciler := recon.New(recon.Config{
		DB:        db,
		OutputDir: cfg.ReconOutputDir,
		Logger:    slogger,
	})

	end := time.Now().UTC()
	start := end.Add(-cfg.ReconWindow)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := reconciler.Run(ctx, start, end)
	if err != nil {
		slogger.Error("reconciliation run failed", "error", err)
		return
	}
	slogger.Info("reconciliation run complete", "start", start, "end", end, "rows", len(result.Rows))
}
