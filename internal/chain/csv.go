package chain

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/option_ledger/internal/models"
)

var requiredColumns = []string{"instrument_id", "underlying", "option_type", "strike", "expiry"}

// ReadContractsCSV parses a contract snapshot. The header names the columns
// instrument_id, exchange_id, underlying, name, option_type, strike, expiry
// and multiplier; exchange_id, name and multiplier are optional. Rows are
// stamped with tradeDate.
func ReadContractsCSV(r io.Reader, tradeDate time.Time) ([]models.ContractRow, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading contract header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("contract file: missing column %q", c)
		}
	}
	field := func(rec []string, name string) string {
		if i, ok := cols[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var rows []models.ContractRow
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading contract file: %w", err)
		}

		typ, ok := models.ParseOptionType(field(rec, "option_type"))
		if !ok {
			return nil, fmt.Errorf("line %d: invalid option type %q", line, field(rec, "option_type"))
		}
		strike, err := strconv.ParseFloat(field(rec, "strike"), 64)
		if err != nil || strike <= 0 {
			return nil, fmt.Errorf("line %d: invalid strike %q", line, field(rec, "strike"))
		}
		expiry, err := parseDate(field(rec, "expiry"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var mult int64
		if s := field(rec, "multiplier"); s != "" {
			if mult, err = strconv.ParseInt(s, 10, 64); err != nil {
				return nil, fmt.Errorf("line %d: invalid multiplier %q", line, s)
			}
		}

		rows = append(rows, models.ContractRow{
			TradeDate:    tradeDate,
			Expiry:       expiry,
			InstrumentID: field(rec, "instrument_id"),
			ExchangeID:   field(rec, "exchange_id"),
			Underlying:   field(rec, "underlying"),
			Name:         field(rec, "name"),
			Type:         typ,
			Strike:       strike,
			Multiplier:   mult,
		})
	}
	return rows, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "20060102", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", s)
}

// SnapshotSource is the storage side of contract snapshots.
type SnapshotSource interface {
	LoadContracts(ctx context.Context, tradeDate string) ([]models.ContractRow, error)
	LatestContractDay(ctx context.Context, onOrBefore string) (string, error)
}

// LoadLatest builds the index from the newest snapshot on or before day.
func LoadLatest(ctx context.Context, src SnapshotSource, day time.Time, standardMultiplier int64) (*Index, error) {
	key, err := src.LatestContractDay(ctx, day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("finding contract snapshot: %w", err)
	}
	rows, err := src.LoadContracts(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("loading contract snapshot %s: %w", key, err)
	}
	tradeDate, err := time.Parse("2006-01-02", key)
	if err != nil {
		return nil, err
	}
	return Build(tradeDate, rows, standardMultiplier)
}
