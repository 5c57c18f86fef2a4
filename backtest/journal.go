package backtest

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"spreadgrid/kernel"
)

// Journal writes the event log of a run as JSON lines, one per event. The
// human-readable rendering goes in the message; the structured fields allow
// filtering with jq.
type Journal struct {
	closer io.Closer
	log    zerolog.Logger
	count  int
}

// NewJournal writes to w. The caller owns w.
func NewJournal(w io.Writer) *Journal {
	return &Journal{log: zerolog.New(w)}
}

// OpenJournal creates dir/<runID>.jsonl.
func OpenJournal(dir, runID string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, runID+".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	j := NewJournal(f)
	j.closer = f
	j.log = j.log.With().Str("run", runID).Logger()
	return j, nil
}

// Emit implements kernel.EventSink.
func (j *Journal) Emit(e kernel.Event) {
	j.count++
	ev := j.log.Log().
		Int("i", e.Index).
		Time("t", e.Time).
		Str("kind", string(e.Kind)).
		Int("layers", e.Layers).
		Float64("base", e.Legs.ArbBase+e.Legs.RiskBase).
		Float64("hedge", e.Legs.ArbHedge+e.Legs.RiskHedge)
	switch e.Kind {
	case kernel.EventOpen, kernel.EventClose:
		ev = ev.Str("dir", e.Direction.String()).Float64("level", e.Level).Float64("spread", e.Spread)
	case kernel.EventRiskReduce, kernel.EventRiskTopUp, kernel.EventRiskRestore:
		ev = ev.Str("leg", e.Leg.String()).Str("label", e.Label).Float64("amount", e.Amount).Float64("price", e.Price)
	}
	ev.Msg(e.String())
}

// Count returns the number of events written.
func (j *Journal) Count() int { return j.count }

// Close closes the file opened by OpenJournal.
func (j *Journal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
