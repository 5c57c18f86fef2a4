package binance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"golang.org/x/sync/errgroup"

	"spreadgrid/logger"
	"spreadgrid/market"
)

const (
	// maxKlinesPerRequest is the largest page the futures klines endpoint serves
	maxKlinesPerRequest = 1500
	minuteMillis        = int64(time.Minute / time.Millisecond)
)

// Close is the closing price of one 1m bar keyed by its open time.
type Close struct {
	OpenTime time.Time
	Price    float64
}

// Fetcher downloads historical 1m closes from the USDⓈ-M futures API.
type Fetcher struct {
	client *futures.Client
	limit  int
	pause  time.Duration
}

// NewFetcher creates a Fetcher. Klines are public, so empty keys are fine.
func NewFetcher(apiKey, secretKey string) *Fetcher {
	return &Fetcher{
		client: futures.NewClient(apiKey, secretKey),
		limit:  maxKlinesPerRequest,
		pause:  200 * time.Millisecond,
	}
}

// SetBaseURL points the client at another endpoint, e.g. a testnet or mock.
func (f *Fetcher) SetBaseURL(url string) {
	f.client.BaseURL = url
}

// SetPageSize overrides the number of klines requested per call.
func (f *Fetcher) SetPageSize(limit int, pause time.Duration) {
	if limit > 0 && limit <= maxKlinesPerRequest {
		f.limit = limit
	}
	f.pause = pause
}

// Closes pages through [from, to) and returns the closes in time order.
func (f *Fetcher) Closes(ctx context.Context, symbol string, from, to time.Time) ([]Close, error) {
	start := from.UnixMilli()
	end := to.UnixMilli()
	var out []Close
	for start < end {
		klines, err := f.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(start).
			EndTime(end - 1).
			Limit(f.limit).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch %s klines from %d: %w", symbol, start, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			price, err := strconv.ParseFloat(k.Close, 64)
			if err != nil {
				return nil, fmt.Errorf("parse %s close %q: %w", symbol, k.Close, err)
			}
			out = append(out, Close{OpenTime: time.UnixMilli(k.OpenTime).UTC(), Price: price})
		}
		start = klines[len(klines)-1].OpenTime + minuteMillis
		if len(klines) < f.limit {
			break
		}
		if f.pause > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(f.pause):
			}
		}
	}
	logger.Infof("📥 Fetched %d 1m closes for %s", len(out), symbol)
	return out, nil
}

// FetchPair downloads both symbols concurrently and joins them.
func (f *Fetcher) FetchPair(ctx context.Context, base, hedge string, from, to time.Time) (*market.PairSeries, error) {
	var baseCloses, hedgeCloses []Close
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		baseCloses, err = f.Closes(gctx, base, from, to)
		return err
	})
	g.Go(func() error {
		var err error
		hedgeCloses, err = f.Closes(gctx, hedge, from, to)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	p := MergeCloses(base, hedge, baseCloses, hedgeCloses)
	if p.Len() == 0 {
		return nil, fmt.Errorf("%s and %s share no minutes in range: %w", base, hedge, market.ErrNoRows)
	}
	return p, nil
}

// MergeCloses inner-joins two close series on open time. The result is in
// time order whatever the order of the inputs.
func MergeCloses(baseSymbol, hedgeSymbol string, base, hedge []Close) *market.PairSeries {
	hedgeAt := make(map[int64]float64, len(hedge))
	for _, c := range hedge {
		hedgeAt[c.OpenTime.UnixMilli()] = c.Price
	}
	ordered := append([]Close(nil), base...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OpenTime.Before(ordered[j].OpenTime) })

	p := &market.PairSeries{BaseSymbol: baseSymbol, HedgeSymbol: hedgeSymbol}
	for _, c := range ordered {
		h, ok := hedgeAt[c.OpenTime.UnixMilli()]
		if !ok {
			continue
		}
		p.Times = append(p.Times, c.OpenTime)
		p.Base = append(p.Base, c.Price)
		p.Hedge = append(p.Hedge, h)
	}
	return p
}

// WritePairCSV writes p in the format market.ReadPairCSV reads.
func WritePairCSV(w io.Writer, p *market.PairSeries) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", p.BaseSymbol, p.HedgeSymbol}); err != nil {
		return err
	}
	for i := range p.Times {
		row := []string{
			p.Times[i].UTC().Format(time.DateTime),
			strconv.FormatFloat(p.Base[i], 'f', -1, 64),
			strconv.FormatFloat(p.Hedge[i], 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
