package kernel

// OpenPosition is one currently open grid layer.
type OpenPosition struct {
	Level       float64   `json:"level"` // follows grid remaps
	Direction   Direction `json:"direction"`
	EntrySpread float64   `json:"entry_spread"` // spread at fill
}

// Remapped describes a position moved onto a rebuilt grid.
type Remapped struct {
	Direction Direction
	From      float64
	To        float64
}

type levelKey struct {
	dir   Direction
	level float64
}

// Ledger holds the open layers in fill order, indexed by (direction, level).
type Ledger struct {
	positions []OpenPosition
	index     map[levelKey]int
}

// NewLedger creates an empty ledger sized for capacity layers.
func NewLedger(capacity int) *Ledger {
	if capacity < 0 {
		capacity = 0
	}
	return &Ledger{
		positions: make([]OpenPosition, 0, capacity),
		index:     make(map[levelKey]int, capacity),
	}
}

// Len returns the number of open layers.
func (l *Ledger) Len() int { return len(l.positions) }

// Positions returns a copy of the open layers in fill order.
func (l *Ledger) Positions() []OpenPosition {
	out := make([]OpenPosition, len(l.positions))
	copy(out, l.positions)
	return out
}

// Has reports whether a layer is open at level in direction dir.
func (l *Ledger) Has(level float64, dir Direction) bool {
	return l.index[levelKey{dir, level}] > 0
}

// Insert opens a layer. It refuses duplicates and inserts beyond capacity.
func (l *Ledger) Insert(level float64, dir Direction, entrySpread float64, capacity int) bool {
	if l.Has(level, dir) || len(l.positions) >= capacity {
		return false
	}
	l.positions = append(l.positions, OpenPosition{Level: level, Direction: dir, EntrySpread: entrySpread})
	l.index[levelKey{dir, level}]++
	return true
}

// RemoveMatching removes and returns every layer for which match is true.
// Survivors keep their relative order.
func (l *Ledger) RemoveMatching(match func(OpenPosition) bool) []OpenPosition {
	var removed []OpenPosition
	kept := l.positions[:0]
	for _, pos := range l.positions {
		if match(pos) {
			removed = append(removed, pos)
			l.drop(pos)
			continue
		}
		kept = append(kept, pos)
	}
	// clear the tail so removed values are not retained
	for i := len(kept); i < len(l.positions); i++ {
		l.positions[i] = OpenPosition{}
	}
	l.positions = kept
	return removed
}

// Remap moves every layer whose level matches a level of the old grid onto
// the level of the same rank in the new grid. Unmatched layers stay put.
func (l *Ledger) Remap(old, next Grid) []Remapped {
	var moved []Remapped
	for i := range l.positions {
		pos := &l.positions[i]
		levels := next.Levels(pos.Direction)
		if len(levels) == 0 {
			continue
		}
		rank := old.Rank(pos.Direction, pos.Level)
		if rank < 0 || rank >= len(levels) {
			continue
		}
		to := levels[rank]
		if to == pos.Level {
			continue
		}
		l.drop(*pos)
		moved = append(moved, Remapped{Direction: pos.Direction, From: pos.Level, To: to})
		pos.Level = to
		l.index[levelKey{pos.Direction, to}]++
	}
	return moved
}

func (l *Ledger) drop(pos OpenPosition) {
	k := levelKey{pos.Direction, pos.Level}
	if l.index[k] <= 1 {
		delete(l.index, k)
		return
	}
	l.index[k]--
}
