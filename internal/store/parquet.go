package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"brackettrader/internal/domain"
)

// Compile-time interface check.
var _ TradeJournal = (*ParquetJournal)(nil)

// ParquetJournal implements TradeJournal using Parquet files on disk, one file
// per symbol and year:
//
//	<DataDir>/trades/<SYMBOL>/<YYYY>.parquet
type ParquetJournal struct {
	DataDir string
}

// NewParquetJournal creates a journal rooted at dataDir.
func NewParquetJournal(dataDir string) *ParquetJournal {
	return &ParquetJournal{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record type (on-disk schema)
// ---------------------------------------------------------------------------

// TradeRecord is the Parquet schema for a reconciled trade. Decimal values
// are stored as strings so they round-trip exactly.
type TradeRecord struct {
	BuyID      string `parquet:"buy_id"`
	SellID     string `parquet:"sell_id"`
	Symbol     string `parquet:"symbol"`
	BuyPrice   string `parquet:"buy_price"`
	SellPrice  string `parquet:"sell_price"`
	Quantity   string `parquet:"quantity"`
	BuyQty     string `parquet:"buy_qty"`
	SellQty    string `parquet:"sell_qty"`
	SellStatus string `parquet:"sell_status"`
	RawStatus  string `parquet:"raw_status"`
	Fees       string `parquet:"fees"`
	Profit     string `parquet:"profit"`
	OpenedAt   int64  `parquet:"opened_at,timestamp(millisecond)"` // Unix ms
	ClosedAt   int64  `parquet:"closed_at,timestamp(millisecond)"` // Unix ms, 0 while open
}

func toRecord(t domain.Trade) TradeRecord {
	r := TradeRecord{
		BuyID:      t.BuyID,
		SellID:     t.SellID,
		Symbol:     strings.ToUpper(t.Symbol),
		BuyPrice:   t.BuyPrice.String(),
		SellPrice:  t.SellPrice.String(),
		Quantity:   t.Quantity.String(),
		BuyQty:     t.BuyQty.String(),
		SellQty:    t.SellQty.String(),
		SellStatus: string(t.SellStatus),
		RawStatus:  t.RawStatus,
		Fees:       t.Fees.String(),
		Profit:     t.Profit.String(),
	}
	if !t.OpenedAt.IsZero() {
		r.OpenedAt = t.OpenedAt.UnixMilli()
	}
	if !t.ClosedAt.IsZero() {
		r.ClosedAt = t.ClosedAt.UnixMilli()
	}
	return r
}

func fromRecord(r TradeRecord) domain.Trade {
	t := domain.Trade{
		BuyID:      r.BuyID,
		SellID:     r.SellID,
		Symbol:     r.Symbol,
		BuyPrice:   parseDecimal(r.BuyPrice),
		SellPrice:  parseDecimal(r.SellPrice),
		Quantity:   parseDecimal(r.Quantity),
		BuyQty:     parseDecimal(r.BuyQty),
		SellQty:    parseDecimal(r.SellQty),
		SellStatus: domain.OrderStatus(r.SellStatus),
		RawStatus:  r.RawStatus,
		Fees:       parseDecimal(r.Fees),
		Profit:     parseDecimal(r.Profit),
	}
	if r.OpenedAt != 0 {
		t.OpenedAt = time.UnixMilli(r.OpenedAt)
	}
	if r.ClosedAt != 0 {
		t.ClosedAt = time.UnixMilli(r.ClosedAt)
	}
	return t
}

// eventTime is the timestamp a trade is filed and filtered under.
func (r TradeRecord) eventTime() int64 {
	if r.ClosedAt != 0 {
		return r.ClosedAt
	}
	return r.OpenedAt
}

// ---------------------------------------------------------------------------
// TradeJournal implementation
// ---------------------------------------------------------------------------

// WriteTrades merges trades into the per-symbol yearly files. A trade already
// present (same buy leg ID) is replaced, so re-journaling is idempotent.
func (j *ParquetJournal) WriteTrades(_ context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	type key struct {
		symbol string
		year   int
	}
	groups := make(map[key][]TradeRecord)
	for _, t := range trades {
		r := toRecord(t)
		k := key{symbol: r.Symbol, year: time.UnixMilli(r.eventTime()).UTC().Year()}
		groups[k] = append(groups[k], r)
	}

	for k, records := range groups {
		path := j.tradePath(k.symbol, k.year)

		existing, err := readParquetFile[TradeRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading journal %s: %w", path, err)
		}
		merged := mergeTradeRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing trades for %s/%d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadTrades returns trades for symbol whose close (or open, while still
// open) time falls within [start, end].
func (j *ParquetJournal) ReadTrades(_ context.Context, symbol string, start, end time.Time) ([]domain.Trade, error) {
	lo, hi := start.UnixMilli(), end.UnixMilli()
	var trades []domain.Trade
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[TradeRecord](j.tradePath(symbol, year))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			if ts := r.eventTime(); ts >= lo && ts <= hi {
				trades = append(trades, fromRecord(r))
			}
		}
	}
	return trades, nil
}

// Symbols lists the symbols that have journaled trades.
func (j *ParquetJournal) Symbols() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(j.DataDir, "trades"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// tradePath returns the filesystem path for a journal file.
func (j *ParquetJournal) tradePath(symbol string, year int) string {
	return filepath.Join(j.DataDir, "trades", strings.ToUpper(symbol), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeTradeRecords deduplicates by buy ID, preferring incoming records.
// Results are sorted by event time.
func mergeTradeRecords(existing, incoming []TradeRecord) []TradeRecord {
	seen := make(map[string]TradeRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.BuyID] = r
	}
	for _, r := range incoming {
		seen[r.BuyID] = r
	}

	merged := make([]TradeRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, k int) bool {
		if merged[i].eventTime() != merged[k].eventTime() {
			return merged[i].eventTime() < merged[k].eventTime()
		}
		return merged[i].BuyID < merged[k].BuyID
	})
	return merged
}
