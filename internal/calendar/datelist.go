package calendar

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
)

// DateList is a calendar backed by an explicit list of trading dates.
type DateList struct {
	days []time.Time
	set  map[string]struct{}
}

// NewDateList builds a calendar from dates in any order.
func NewDateList(dates []time.Time) *DateList {
	dl := &DateList{set: make(map[string]struct{}, len(dates))}
	for _, d := range dates {
		d = Truncate(d)
		key := Day(d)
		if _, dup := dl.set[key]; dup {
			continue
		}
		dl.set[key] = struct{}{}
		dl.days = append(dl.days, d)
	}
	sort.Slice(dl.days, func(i, j int) bool { return dl.days[i].Before(dl.days[j]) })
	return dl
}

// LoadDateList reads a trade-date file: a CSV whose "trade_date" column (or
// first column when there is no such header) holds YYYY-MM-DD dates.
func LoadDateList(path string) (*DateList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening trade date file: %w", err)
	}
	defer f.Close()
	return ReadDateList(f)
}

// ReadDateList parses the trade-date file format from r.
func ReadDateList(r io.Reader) (*DateList, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	var dates []time.Time
	col := 0
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading trade date file: %w", err)
		}
		if line == 1 {
			if i := indexOf(rec, "trade_date"); i >= 0 {
				col = i
				continue
			}
		}
		if col >= len(rec) || strings.TrimSpace(rec[col]) == "" {
			continue
		}
		// Tolerate datetime values such as "2025-05-26 00:00:00"
		field := strings.TrimSpace(rec[col])
		if len(field) > len(DateLayout) {
			field = field[:len(DateLayout)]
		}
		d, err := ParseDay(field)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		dates = append(dates, d)
	}
	if len(dates) == 0 {
		return nil, errors.New("trade date file holds no dates")
	}
	return NewDateList(dates), nil
}

func indexOf(rec []string, name string) int {
	for i, f := range rec {
		if strings.EqualFold(strings.TrimSpace(f), name) {
			return i
		}
	}
	return -1
}

// IsTradingDay returns true when t's date is listed.
func (dl *DateList) IsTradingDay(t time.Time) bool {
	_, ok := dl.set[Day(Truncate(t))]
	return ok
}

// Len returns the number of listed dates.
func (dl *DateList) Len() int {
	return len(dl.days)
}

// Covers reports whether t falls within the listed range.
func (dl *DateList) Covers(t time.Time) bool {
	if len(dl.days) == 0 {
		return false
	}
	t = Truncate(t)
	return !t.Before(dl.days[0]) && !t.After(dl.days[len(dl.days)-1])
}

// ExpiryDay returns the first listed trading day on or after the 4th
// Wednesday of the month.
func (dl *DateList) ExpiryDay(year int, month time.Month) (time.Time, bool) {
	target := FourthWednesday(year, month)
	i := sort.Search(len(dl.days), func(i int) bool { return !dl.days[i].Before(target) })
	if i == len(dl.days) {
		return time.Time{}, false
	}
	return dl.days[i], true
}

// TradingDaysBetween counts listed days in (from, to].
func (dl *DateList) TradingDaysBetween(from, to time.Time) int {
	from, to = Truncate(from), Truncate(to)
	lo := sort.Search(len(dl.days), func(i int) bool { return dl.days[i].After(from) })
	hi := sort.Search(len(dl.days), func(i int) bool { return dl.days[i].After(to) })
	if hi < lo {
		return 0
	}
	return hi - lo
}
