// Package recon implements the nightly reconciliation exporter joining
// settled payments and their receipts into CSV+Parquet artifacts for
// offline audit. Grounded on services/otc-gateway/recon/reconciler.go's
// report-row/CSV/Parquet writer shape, re-scoped from invoice/voucher/mint
// joins to this domain's purchase-intent/mandate/payment/receipt joins.
package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"gorm.io/gorm"

	"agentgateway/internal/models"
)

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	DB        *gorm.DB
	OutputDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Reconciler materializes periodic reports joining purchase intents,
// mandates, payments, and receipts.
type Reconciler struct {
	db        *gorm.DB
	outputDir string
	now       func() time.Time
	logger    *slog.Logger
}

func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{db: cfg.DB, outputDir: cfg.OutputDir, now: now, logger: logger}
}

// ReportRow summarizes one settled payment for reconciliation.
type ReportRow struct {
	PaymentID   string
	MandateID   string
	IntentID    string
	AgentID     string
	Vendor      string
	Amount      int64
	Currency    string
	Rail        string
	ProviderRef string
	Status      string
	ChainIndex  int64
	ReceiptHash string
	SettledAt   *time.Time
	CreatedAt   time.Time
}

// Result summarizes a reconciliation run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []ReportRow
	CSVPath     string
	ParquetPath string
}

// Run joins every Payment settled within [start,end) against its Mandate,
// Intent, and Receipt, then writes CSV and Parquet artifacts under
// outputDir. The files are written only when at least one row matched; the
// returned Result carries both paths either way.
func (r *Reconciler) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).
		Where("status = ? AND settled_at >= ? AND settled_at < ?", models.PaymentSettled, start, end).
		Find(&payments).Error; err != nil {
		return nil, fmt.Errorf("recon: query settled payments: %w", err)
	}

	rows := make([]ReportRow, 0, len(payments))
	for _, p := range payments {
		var mandate models.Mandate
		if err := r.db.WithContext(ctx).Where("id = ?", p.MandateID).First(&mandate).Error; err != nil {
			r.logger.Warn("recon: mandate lookup failed", "payment_id", p.ID, "error", err)
			continue
		}
		var receipt models.Receipt
		if err := r.db.WithContext(ctx).Where("payment_id = ?", p.ID).First(&receipt).Error; err != nil {
			r.logger.Warn("recon: receipt lookup failed", "payment_id", p.ID, "error", err)
			continue
		}
		rows = append(rows, ReportRow{
			PaymentID:   p.ID.String(),
			MandateID:   mandate.ID.String(),
			IntentID:    mandate.IntentID.String(),
			AgentID:     p.AgentID.String(),
			Vendor:      mandate.Vendor,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Rail:        string(p.Rail),
			ProviderRef: p.ProviderRef,
			Status:      string(p.Status),
			ChainIndex:  receipt.ChainIndex,
			ReceiptHash: receipt.Hash,
			SettledAt:   p.SettledAt,
			CreatedAt:   p.CreatedAt,
		})
	}

	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: create output dir: %w", err)
	}
	stamp := start.UTC().Format("20060102")
	csvPath := filepath.Join(r.outputDir, fmt.Sprintf("reconciliation_%s.csv", stamp))
	parquetPath := filepath.Join(r.outputDir, fmt.Sprintf("reconciliation_%s.parquet", stamp))

	if len(rows) > 0 {
		if err := writeCSV(csvPath, rows); err != nil {
			return nil, err
		}
		if err := writeParquet(parquetPath, rows); err != nil {
			return nil, err
		}
		r.logger.Info("recon: wrote reconciliation report", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	}

	return &Result{Start: start, End: end, Rows: rows, CSVPath: csvPath, ParquetPath: parquetPath}, nil
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	header := []string{
		"payment_id", "mandate_id", "intent_id", "agent_id", "vendor", "amount", "currency",
		"rail", "provider_ref", "status", "chain_index", "receipt_hash", "settled_at", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write([]string{
			row.PaymentID, row.MandateID, row.IntentID, row.AgentID, row.Vendor,
			fmt.Sprintf("%d", row.Amount), row.Currency, row.Rail, row.ProviderRef, row.Status,
			fmt.Sprintf("%d", row.ChainIndex), row.ReceiptHash,
			formatTime(row.SettledAt), row.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

type parquetRow struct {
	PaymentID   string `parquet:"name=payment_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	MandateID   string `parquet:"name=mandate_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	IntentID    string `parquet:"name=intent_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AgentID     string `parquet:"name=agent_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Vendor      string `parquet:"name=vendor, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount      int64  `parquet:"name=amount, type=INT64"`
	Currency    string `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rail        string `parquet:"name=rail, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProviderRef string `parquet:"name=provider_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status      string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ChainIndex  int64  `parquet:"name=chain_index, type=INT64"`
	ReceiptHash string `parquet:"name=receipt_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt   string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt   string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			PaymentID:   row.PaymentID,
			MandateID:   row.MandateID,
			IntentID:    row.IntentID,
			AgentID:     row.AgentID,
			Vendor:      row.Vendor,
			Amount:      row.Amount,
			Currency:    row.Currency,
			Rail:        row.Rail,
			ProviderRef: row.ProviderRef,
			Status:      row.Status,
			ChainIndex:  row.ChainIndex,
			ReceiptHash: row.ReceiptHash,
			SettledAt:   formatTime(row.SettledAt),
			CreatedAt:   row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	return file.Close()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
