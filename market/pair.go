package market

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"spreadgrid/logger"
)

// PairSeries is a minute series of two instrument prices on a shared clock.
type PairSeries struct {
	BaseSymbol  string
	HedgeSymbol string
	Times       []time.Time
	Base        []float64
	Hedge       []float64
}

// Len returns the number of rows.
func (p *PairSeries) Len() int { return len(p.Times) }

// Spread returns baseSize*base - hedgeSize*hedge for every row.
func (p *PairSeries) Spread(baseSize, hedgeSize float64) []float64 {
	out := make([]float64, len(p.Base))
	for i := range p.Base {
		out[i] = baseSize*p.Base[i] - hedgeSize*p.Hedge[i]
	}
	return out
}

// MeanPrices returns the average price of each leg.
func (p *PairSeries) MeanPrices() (base, hedge float64) {
	if len(p.Base) == 0 {
		return 0, 0
	}
	for i := range p.Base {
		base += p.Base[i]
		hedge += p.Hedge[i]
	}
	n := float64(len(p.Base))
	return base / n, hedge / n
}

// Slice returns the rows from index start on. The result shares memory with p.
func (p *PairSeries) Slice(start int) *PairSeries {
	return &PairSeries{
		BaseSymbol:  p.BaseSymbol,
		HedgeSymbol: p.HedgeSymbol,
		Times:       p.Times[start:],
		Base:        p.Base[start:],
		Hedge:       p.Hedge[start:],
	}
}

var ErrNoRows = errors.New("no usable rows")

var timeColumns = []string{"date", "time", "timestamp", "datetime"}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTime accepts the timestamp formats found in exported minute bars.
// Bare integers are epoch seconds or, when large enough, epoch milliseconds.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e11 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// LoadPairCSV reads a csv file with a timestamp column and one price column
// per instrument. Rows outside (from, to) are dropped; a zero bound is open.
func LoadPairCSV(path, baseCol, hedgeCol string, from, to time.Time) (*PairSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pair csv: %w", err)
	}
	defer f.Close()

	p, err := ReadPairCSV(f, baseCol, hedgeCol, from, to)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	logger.Infof("📈 Loaded %d rows of %s/%s from %s (%s → %s)", p.Len(), baseCol, hedgeCol, path,
		p.Times[0].Format(time.DateTime), p.Times[p.Len()-1].Format(time.DateTime))
	return p, nil
}

// ReadPairCSV is LoadPairCSV over an arbitrary reader.
func ReadPairCSV(r io.Reader, baseCol, hedgeCol string, from, to time.Time) (*PairSeries, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	timeIdx, baseIdx, hedgeIdx := -1, -1, -1
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		switch {
		case name == baseCol:
			baseIdx = i
		case name == hedgeCol:
			hedgeIdx = i
		case timeIdx < 0 && containsFold(timeColumns, name):
			timeIdx = i
		}
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("no timestamp column in header %v", header)
	}
	if baseIdx < 0 || hedgeIdx < 0 {
		return nil, fmt.Errorf("columns %q/%q not found in header %v", baseCol, hedgeCol, header)
	}

	p := &PairSeries{BaseSymbol: baseCol, HedgeSymbol: hedgeCol}
	skipped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", p.Len()+skipped+2, err)
		}
		if len(rec) <= timeIdx || len(rec) <= baseIdx || len(rec) <= hedgeIdx {
			skipped++
			continue
		}
		t, err := ParseTime(rec[timeIdx])
		if err != nil {
			skipped++
			continue
		}
		if (!from.IsZero() && !t.After(from)) || (!to.IsZero() && !t.Before(to)) {
			continue
		}
		b, errB := strconv.ParseFloat(strings.TrimSpace(rec[baseIdx]), 64)
		h, errH := strconv.ParseFloat(strings.TrimSpace(rec[hedgeIdx]), 64)
		if errB != nil || errH != nil {
			skipped++
			continue
		}
		p.Times = append(p.Times, t)
		p.Base = append(p.Base, b)
		p.Hedge = append(p.Hedge, h)
	}
	if skipped > 0 {
		logger.Warnf("⚠️ Skipped %d unparsable rows", skipped)
	}
	if p.Len() == 0 {
		return nil, ErrNoRows
	}
	if !sort.SliceIsSorted(p.Times, func(i, j int) bool { return p.Times[i].Before(p.Times[j]) }) {
		sort.Sort(byTime{p})
	}
	return p, nil
}

type byTime struct{ *PairSeries }

func (s byTime) Less(i, j int) bool { return s.Times[i].Before(s.Times[j]) }
func (s byTime) Swap(i, j int) {
	s.Times[i], s.Times[j] = s.Times[j], s.Times[i]
	s.Base[i], s.Base[j] = s.Base[j], s.Base[i]
	s.Hedge[i], s.Hedge[j] = s.Hedge[j], s.Hedge[i]
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
