package index

import (
	"fmt"
	"sync"

	roaring "github.com/RoaringBitmap/roaring"

	"github.com/TFMV/rfm/rfm"
)

// Column names indexed by a Manager.
const (
	ColCustomerID = "customer_id"
	ColSegment    = "segment"
	ColScore      = "rfm_score"
	ColMonetary   = "monetary"
)

// Manager holds the indexes of one scored customer table. Row ids are
// positions in the table's Customers slice.
type Manager struct {
	mu       sync.RWMutex
	indexes  map[string]map[Strategy]Index
	settings Settings
}

// NewManager creates an empty manager.
func NewManager(settings Settings) *Manager {
	return &Manager{
		indexes:  make(map[string]map[Strategy]Index),
		settings: settings,
	}
}

// CreateIndex adds an empty index of strategy for column, replacing any
// existing one.
func (m *Manager) CreateIndex(column string, strategy Strategy) (Index, error) {
	idx, err := New(strategy, m.settings)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexes[column] == nil {
		m.indexes[column] = make(map[Strategy]Index)
	}
	m.indexes[column][strategy] = idx
	return idx, nil
}

// GetIndex returns the index for column and strategy.
func (m *Manager) GetIndex(column string, strategy Strategy) (Index, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.indexes[column][strategy]
	return idx, ok
}

// Build indexes every row of res: customer ids by hash and Bloom filter,
// segments and scores by bitmap, monetary value in sorted order.
func Build(res *rfm.Result, settings Settings) (*Manager, error) {
	if settings.ExpectedRows < len(res.Customers) {
		settings.ExpectedRows = len(res.Customers)
	}
	m := NewManager(settings)

	plan := []struct {
		column   string
		strategy Strategy
		value    func(rfm.CustomerRFM) any
	}{
		{ColCustomerID, HashIndex, func(c rfm.CustomerRFM) any { return c.CustomerID }},
		{ColCustomerID, Bloom, func(c rfm.CustomerRFM) any { return c.CustomerID }},
		{ColSegment, RoaringBitmap, func(c rfm.CustomerRFM) any { return c.Segment }},
		{ColScore, RoaringBitmap, func(c rfm.CustomerRFM) any { return c.Score }},
		{ColMonetary, SortedColumn, func(c rfm.CustomerRFM) any { return c.Monetary.InexactFloat64() }},
	}
	for _, p := range plan {
		idx, err := m.CreateIndex(p.column, p.strategy)
		if err != nil {
			return nil, err
		}
		if bulk, ok := idx.(BulkLoader); ok {
			values := make([]any, len(res.Customers))
			for row, c := range res.Customers {
				values[row] = p.value(c)
			}
			if err := bulk.Load(values); err != nil {
				return nil, fmt.Errorf("index %s/%s: %w", p.column, p.strategy, err)
			}
			continue
		}
		for row, c := range res.Customers {
			if err := idx.Add(uint32(row), p.value(c)); err != nil {
				return nil, fmt.Errorf("index %s/%s: %w", p.column, p.strategy, err)
			}
		}
	}
	return m, nil
}

// Customer returns the row of customerID. The Bloom filter rejects most
// unknown ids before the hash index is consulted.
func (m *Manager) Customer(customerID string) (uint32, bool) {
	if f, ok := m.GetIndex(ColCustomerID, Bloom); ok {
		if filter, ok := f.(Filter); ok && !filter.MayContain(customerID) {
			return 0, false
		}
	}
	idx, ok := m.GetIndex(ColCustomerID, HashIndex)
	if !ok {
		return 0, false
	}
	rows, _ := idx.Search(customerID)
	if len(rows) == 0 {
		return 0, false
	}
	return rows[0], true
}

// Segment returns the rows labelled segment.
func (m *Manager) Segment(segment string) *roaring.Bitmap {
	return m.bitmap(ColSegment, segment)
}

// Score returns the rows with composite score.
func (m *Manager) Score(score int) *roaring.Bitmap {
	return m.bitmap(ColScore, score)
}

// ScoreBetween returns the rows scoring from lo to hi inclusive.
func (m *Manager) ScoreBetween(lo, hi int) *roaring.Bitmap {
	out := roaring.New()
	for s := lo; s <= hi; s++ {
		out.Or(m.Score(s))
	}
	return out
}

func (m *Manager) bitmap(column string, value any) *roaring.Bitmap {
	idx, ok := m.GetIndex(column, RoaringBitmap)
	if !ok {
		return roaring.New()
	}
	if b, ok := idx.(Bitmapper); ok {
		return b.Bitmap(value)
	}
	rows, _ := idx.Search(value)
	return roaring.BitmapOf(rows...)
}

// TopByMonetary returns up to n rows in descending monetary order.
func (m *Manager) TopByMonetary(n int) []uint32 {
	idx, ok := m.GetIndex(ColMonetary, SortedColumn)
	if !ok {
		return nil
	}
	r, ok := idx.(Ranger)
	if !ok {
		return nil
	}
	return r.Descending(n)
}

// MonetaryBetween returns rows whose monetary value lies in [lo, hi].
func (m *Manager) MonetaryBetween(lo, hi float64) []uint32 {
	idx, ok := m.GetIndex(ColMonetary, SortedColumn)
	if !ok {
		return nil
	}
	r, ok := idx.(Ranger)
	if !ok {
		return nil
	}
	rows, _ := r.Range(lo, hi)
	return rows
}
