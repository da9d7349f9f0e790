package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"offerbook/native/offers"
)

const exportPageSize = 100

type settlementRow struct {
	Token          int64  `parquet:"name=token, type=INT64"`
	Kind           string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	State          string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	OfferID        string `parquet:"name=offer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maker          string `parquet:"name=maker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Counterparty   string `parquet:"name=counterparty, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetIn        string `parquet:"name=asset_in, type=BYTE_ARRAY, convertedtype=UTF8"`
	AssetOut       string `parquet:"name=asset_out, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payout         string `parquet:"name=payout, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutReceiver string `parquet:"name=payout_receiver, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenedAt       string `parquet:"name=opened_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClosedAt       string `parquet:"name=closed_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

var csvHeader = []string{
	"token", "kind", "state", "offer_id", "maker", "counterparty",
	"asset_in", "asset_out", "payout", "payout_receiver", "opened_at", "closed_at",
}

func (r *settlementRow) record() []string {
	return []string{
		strconv.FormatInt(r.Token, 10), r.Kind, r.State, r.OfferID, r.Maker, r.Counterparty,
		r.AssetIn, r.AssetOut, r.Payout, r.PayoutReceiver, r.OpenedAt, r.ClosedAt,
	}
}

func runExport(args []string, stdout, stderr io.Writer) int {
	var common commonFlags
	fs := newFlagSet("export", stderr, &common)
	var (
		outDir string
		from   uint64
	)
	fs.StringVar(&outDir, "out", ".", "directory receiving settlements.csv and settlements.parquet")
	fs.Uint64Var(&from, "from", 1, "first settlement token")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if from == 0 {
		return printError(stderr, "--from must be at least 1")
	}
	settlements, err := fetchSettlements(common, from)
	if err != nil {
		return printError(stderr, err.Error())
	}
	rows := make([]*settlementRow, 0, len(settlements))
	for i := range settlements {
		rows = append(rows, toRow(&settlements[i]))
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return printError(stderr, err.Error())
	}
	csvPath := filepath.Join(outDir, "settlements.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return printError(stderr, err.Error())
	}
	parquetPath := filepath.Join(outDir, "settlements.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "exported %d settlements to %s and %s\n", len(rows), csvPath, parquetPath)
	return 0
}

func fetchSettlements(common commonFlags, from uint64) ([]offers.Settlement, error) {
	var all []offers.Settlement
	for {
		raw, err := apiCall(common, http.MethodGet, fmt.Sprintf("/v1/settlements?from=%d&limit=%d", from, exportPageSize), nil)
		if err != nil {
			return nil, err
		}
		var page struct {
			Settlements []offers.Settlement `json:"settlements"`
		}
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, fmt.Errorf("decode settlements: %w", err)
		}
		all = append(all, page.Settlements...)
		if len(page.Settlements) < exportPageSize {
			return all, nil
		}
		from = page.Settlements[len(page.Settlements)-1].Token + 1
	}
}

func toRow(s *offers.Settlement) *settlementRow {
	return &settlementRow{
		Token:          int64(s.Token),
		Kind:           s.Kind.String(),
		State:          s.State.String(),
		OfferID:        s.OfferID,
		Maker:          s.Maker,
		Counterparty:   s.Counterparty,
		AssetIn:        s.Terms.In.String(),
		AssetOut:       s.Terms.Out.String(),
		Payout:         s.Payout.String(),
		PayoutReceiver: s.PayoutReceiver,
		OpenedAt:       formatUnix(s.OpenedAt),
		ClosedAt:       formatUnix(s.ClosedAt),
	}
}

func formatUnix(ts uint64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}

func writeCSV(path string, rows []*settlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row.record()); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeParquet(path string, rows []*settlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("export: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(settlementRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("export: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			file.Close()
			return fmt.Errorf("export: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("export: parquet flush: %w", err)
	}
	return file.Close()
}
