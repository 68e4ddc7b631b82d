package sweeper

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"chainsettle/services/reconciled/models"
)

const exportLimit = 10000

// Export describes the files written by ExportReport.
type Export struct {
	Rows        int    `json:"rows"`
	CSVPath     string `json:"csvPath"`
	ParquetPath string `json:"parquetPath"`
}

// ExportReport writes every failed and orphaned event to a CSV and a Parquet
// file under dir for operator review.
func (s *Sweeper) ExportReport(ctx context.Context, dir string) (Export, error) {
	events, err := s.events.ListByStatus(ctx, []models.EventStatus{models.StatusFailed, models.StatusOrphaned}, exportLimit)
	if err != nil {
		return Export{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Export{}, fmt.Errorf("sweeper: create report dir: %w", err)
	}
	filename := "exceptions_" + s.now().UTC().Format("20060102T150405Z")
	out := Export{
		Rows:        len(events),
		CSVPath:     filepath.Join(dir, filename+".csv"),
		ParquetPath: filepath.Join(dir, filename+".parquet"),
	}
	if err := writeCSV(out.CSVPath, events); err != nil {
		return Export{}, err
	}
	if err := writeParquet(out.ParquetPath, events); err != nil {
		return Export{}, err
	}
	s.logger.Info("exception report written",
		slog.String("csv", out.CSVPath),
		slog.String("parquet", out.ParquetPath),
		slog.Int("rows", out.Rows))
	return out, nil
}

var csvHeader = []string{
	"network", "tx_hash", "log_index", "block_number", "block_time", "reference", "status", "status_reason",
	"attempts", "last_error", "token_symbol", "gross_amount", "fee", "display_amount", "created_at", "updated_at",
}

func writeCSV(path string, events []models.PaymentEvent) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sweeper: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return fmt.Errorf("sweeper: write csv header: %w", err)
	}
	for _, evt := range events {
		record := []string{
			evt.Network,
			evt.TxHash,
			strconv.FormatUint(uint64(evt.LogIndex), 10),
			strconv.FormatUint(evt.BlockNumber, 10),
			evt.BlockTime.UTC().Format(time.RFC3339),
			evt.Reference,
			string(evt.Status),
			evt.StatusReason,
			strconv.Itoa(evt.Attempts),
			evt.LastError,
			evt.TokenSymbol,
			evt.GrossAmount,
			evt.Fee,
			displayAmount(evt),
			evt.CreatedAt.UTC().Format(time.RFC3339),
			evt.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("sweeper: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sweeper: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	Network       string `parquet:"name=network, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxHash        string `parquet:"name=tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	LogIndex      int64  `parquet:"name=log_index, type=INT64"`
	BlockNumber   int64  `parquet:"name=block_number, type=INT64"`
	BlockTime     string `parquet:"name=block_time, type=BYTE_ARRAY, convertedtype=UTF8"`
	Reference     string `parquet:"name=reference, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status        string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	StatusReason  string `parquet:"name=status_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	Attempts      int32  `parquet:"name=attempts, type=INT32"`
	LastError     string `parquet:"name=last_error, type=BYTE_ARRAY, convertedtype=UTF8"`
	TokenSymbol   string `parquet:"name=token_symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	GrossAmount   string `parquet:"name=gross_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fee           string `parquet:"name=fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	DisplayAmount string `parquet:"name=display_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt     string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt     string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, events []models.PaymentEvent) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("sweeper: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("sweeper: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, evt := range events {
		row := &parquetRow{
			Network:       evt.Network,
			TxHash:        evt.TxHash,
			LogIndex:      int64(evt.LogIndex),
			BlockNumber:   int64(evt.BlockNumber),
			BlockTime:     evt.BlockTime.UTC().Format(time.RFC3339),
			Reference:     evt.Reference,
			Status:        string(evt.Status),
			StatusReason:  evt.StatusReason,
			Attempts:      int32(evt.Attempts),
			LastError:     evt.LastError,
			TokenSymbol:   evt.TokenSymbol,
			GrossAmount:   evt.GrossAmount,
			Fee:           evt.Fee,
			DisplayAmount: displayAmount(evt),
			CreatedAt:     evt.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:     evt.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("sweeper: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("sweeper: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("sweeper: close parquet file: %w", err)
	}
	return nil
}

func displayAmount(evt models.PaymentEvent) string {
	gross, err := decimal.NewFromString(evt.GrossAmount)
	if err != nil {
		return ""
	}
	return gross.Shift(-int32(evt.TokenDecimals)).String()
}
