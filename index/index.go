package index

import (
	"cmp"
	"errors"
	"fmt"
	"sort"
	"sync"

	roaring "github.com/RoaringBitmap/roaring"
	bloom "github.com/bits-and-blooms/bloom/v3"
	murmur3 "github.com/spaolacci/murmur3"
)

// ErrUnsupportedStrategy is returned for an unknown Strategy.
var ErrUnsupportedStrategy = errors.New("unsupported index strategy")

// ---------------------------------------------------------------------
// Strategy: which structure backs an index
// ---------------------------------------------------------------------

type Strategy int

const (
	RoaringBitmap Strategy = iota
	HashIndex
	Bloom
	SortedColumn
)

func (s Strategy) String() string {
	switch s {
	case RoaringBitmap:
		return "roaring"
	case HashIndex:
		return "hash"
	case Bloom:
		return "bloom"
	case SortedColumn:
		return "sorted"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ---------------------------------------------------------------------
// Index: common interface of every implementation
// ---------------------------------------------------------------------

// Index maps column values to row ids of a scored customer table. Values are
// strings, ints, int64s or float64s.
type Index interface {
	// Add inserts rowID under value.
	Add(rowID uint32, value any) error
	// Search returns the rows holding value in ascending order.
	Search(value any) ([]uint32, error)
	// Len is the number of indexed rows.
	Len() int
}

// Settings size the individual indexes.
type Settings struct {
	// BloomFilterFPRate is the target false-positive rate of Bloom indexes.
	BloomFilterFPRate float64
	// ExpectedRows sizes hash maps and Bloom filters.
	ExpectedRows int
}

// DefaultSettings suit tables of up to a few hundred thousand customers.
func DefaultSettings() Settings {
	return Settings{BloomFilterFPRate: 0.01, ExpectedRows: 10000}
}

// New builds an empty index of the given strategy.
func New(strategy Strategy, settings Settings) (Index, error) {
	switch strategy {
	case RoaringBitmap:
		return NewRoaringIndex(), nil
	case HashIndex:
		return NewHashIndex(settings.ExpectedRows), nil
	case Bloom:
		return NewBloomIndex(settings.ExpectedRows, settings.BloomFilterFPRate), nil
	case SortedColumn:
		return NewSortedIndex(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedStrategy, strategy)
}

// ---------------------------------------------------------------------
// 1) Roaring Bitmap Index
//
//    distinct value -> bitmap of rows. Suited to low-cardinality columns
//    such as segment and rfm_score.
// ---------------------------------------------------------------------

type roaringIndex struct {
	mu     sync.RWMutex
	values map[any]*roaring.Bitmap
	rowVal map[uint32]any
}

// NewRoaringIndex returns an Index backed by one bitmap per value.
func NewRoaringIndex() Index {
	return &roaringIndex{
		values: make(map[any]*roaring.Bitmap),
		rowVal: make(map[uint32]any),
	}
}

func (r *roaringIndex) Add(rowID uint32, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.rowVal[rowID]; ok {
		r.drop(rowID, old)
	}
	bm, ok := r.values[value]
	if !ok {
		bm = roaring.New()
		r.values[value] = bm
	}
	bm.Add(rowID)
	r.rowVal[rowID] = value
	return nil
}

func (r *roaringIndex) drop(rowID uint32, value any) {
	if bm := r.values[value]; bm != nil {
		bm.Remove(rowID)
		if bm.IsEmpty() {
			delete(r.values, value)
		}
	}
	delete(r.rowVal, rowID)
}

func (r *roaringIndex) Search(value any) ([]uint32, error) {
	bm := r.Bitmap(value)
	if bm.IsEmpty() {
		return nil, nil
	}
	return bm.ToArray(), nil
}

// Bitmap returns a copy of the rows holding value, for set algebra.
func (r *roaringIndex) Bitmap(value any) *roaring.Bitmap {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bm, ok := r.values[value]
	if !ok {
		return roaring.New()
	}
	return bm.Clone()
}

func (r *roaringIndex) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rowVal)
}

// Bitmapper is implemented by indexes that expose their row sets.
type Bitmapper interface {
	Bitmap(value any) *roaring.Bitmap
}

// ---------------------------------------------------------------------
// 2) Hash Index
//
//    Murmur3 buckets; within each bucket value -> bitmap of rows. Suited to
//    high-cardinality point lookups such as customer_id.
// ---------------------------------------------------------------------

type hashIndex struct {
	mu       sync.RWMutex
	buckets  map[uint64]map[any]*roaring.Bitmap
	rowHash  map[uint32]uint64
	rowValue map[uint32]any
}

// NewHashIndex returns a murmur3-bucketed Index preallocated for sizeHint rows.
func NewHashIndex(sizeHint int) Index {
	return &hashIndex{
		buckets:  make(map[uint64]map[any]*roaring.Bitmap, sizeHint),
		rowHash:  make(map[uint32]uint64, sizeHint),
		rowValue: make(map[uint32]any, sizeHint),
	}
}

func (h *hashIndex) Add(rowID uint32, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rowHash[rowID]; ok {
		h.drop(rowID)
	}
	key := murmurKey(value)
	submap, ok := h.buckets[key]
	if !ok {
		submap = make(map[any]*roaring.Bitmap)
		h.buckets[key] = submap
	}
	bm, ok := submap[value]
	if !ok {
		bm = roaring.New()
		submap[value] = bm
	}
	bm.Add(rowID)

	h.rowHash[rowID] = key
	h.rowValue[rowID] = value
	return nil
}

func (h *hashIndex) drop(rowID uint32) {
	key := h.rowHash[rowID]
	value := h.rowValue[rowID]
	if submap := h.buckets[key]; submap != nil {
		if bm, ok := submap[value]; ok {
			bm.Remove(rowID)
			if bm.IsEmpty() {
				delete(submap, value)
			}
		}
		if len(submap) == 0 {
			delete(h.buckets, key)
		}
	}
	delete(h.rowHash, rowID)
	delete(h.rowValue, rowID)
}

func (h *hashIndex) Search(value any) ([]uint32, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	submap, ok := h.buckets[murmurKey(value)]
	if !ok {
		return nil, nil
	}
	bm, ok := submap[value]
	if !ok {
		return nil, nil
	}
	return bm.ToArray(), nil
}

func (h *hashIndex) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rowHash)
}

func murmurKey(value any) uint64 {
	return murmur3.Sum64([]byte(toString(value)))
}

// ---------------------------------------------------------------------
// 3) Bloom Filter Index
//
//    A Bloom filter answers "definitely absent" without touching the row
//    map. Filters cannot forget, so a value a row moved away from may still
//    pass the membership test.
// ---------------------------------------------------------------------

type bloomIndex struct {
	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	values   map[any]*roaring.Bitmap
	rowValue map[uint32]any
}

// NewBloomIndex returns an Index fronted by a Bloom filter sized for
// capacity values at fpRate.
func NewBloomIndex(capacity int, fpRate float64) Index {
	if capacity < 1 {
		capacity = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &bloomIndex{
		filter:   bloom.NewWithEstimates(uint(capacity), fpRate),
		values:   make(map[any]*roaring.Bitmap),
		rowValue: make(map[uint32]any),
	}
}

func (b *bloomIndex) Add(rowID uint32, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.rowValue[rowID]; ok {
		if bm := b.values[old]; bm != nil {
			bm.Remove(rowID)
			if bm.IsEmpty() {
				delete(b.values, old)
			}
		}
	}
	b.filter.AddString(toString(value))
	bm, ok := b.values[value]
	if !ok {
		bm = roaring.New()
		b.values[value] = bm
	}
	bm.Add(rowID)
	b.rowValue[rowID] = value
	return nil
}

// MayContain reports whether value could be present. False is definite.
func (b *bloomIndex) MayContain(value any) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.filter.TestString(toString(value))
}

func (b *bloomIndex) Search(value any) ([]uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.filter.TestString(toString(value)) {
		return nil, nil
	}
	bm, ok := b.values[value]
	if !ok {
		return nil, nil
	}
	return bm.ToArray(), nil
}

func (b *bloomIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rowValue)
}

// Filter is implemented by indexes with a cheap negative membership test.
type Filter interface {
	MayContain(value any) bool
}

func toString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ---------------------------------------------------------------------
// 4) Sorted Column Index
//
//    (value, row) entries kept in ascending order. Point and range lookups
//    are O(log n); a single insert is O(n) and Load fills the index in
//    O(n log n).
// ---------------------------------------------------------------------

type sortedIndex struct {
	mu      sync.RWMutex
	entries []sortedEntry
	rows    map[uint32]any // rowID -> indexed value
}

type sortedEntry struct {
	value any
	rowID uint32
}

// NewSortedIndex returns an Index that also supports Range, Descending and
// Load.
func NewSortedIndex() Index {
	return &sortedIndex{rows: make(map[uint32]any)}
}

func (e sortedEntry) less(o sortedEntry) bool {
	if c := compareValues(e.value, o.value); c != 0 {
		return c < 0
	}
	return e.rowID < o.rowID
}

// search returns the position of the first entry not less than e.
func (s *sortedIndex) search(e sortedEntry) int {
	return sort.Search(len(s.entries), func(i int) bool { return !s.entries[i].less(e) })
}

func (s *sortedIndex) Add(rowID uint32, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.rows[rowID]; ok {
		pos := s.search(sortedEntry{value: old, rowID: rowID})
		s.entries = append(s.entries[:pos], s.entries[pos+1:]...)
	}
	e := sortedEntry{value: value, rowID: rowID}
	pos := s.search(e)
	s.entries = append(s.entries, sortedEntry{})
	copy(s.entries[pos+1:], s.entries[pos:])
	s.entries[pos] = e
	s.rows[rowID] = value
	return nil
}

// Load replaces the contents with values, using each value's position as
// its row id.
func (s *sortedIndex) Load(values []any) error {
	entries := make([]sortedEntry, len(values))
	rows := make(map[uint32]any, len(values))
	for i, v := range values {
		entries[i] = sortedEntry{value: v, rowID: uint32(i)}
		rows[uint32(i)] = v
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].less(entries[j]) })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = entries
	s.rows = rows
	return nil
}

// BulkLoader is implemented by indexes that fill faster in one pass than
// row by row.
type BulkLoader interface {
	Load(values []any) error
}

func (s *sortedIndex) Search(value any) ([]uint32, error) {
	return s.Range(value, value)
}

// Range returns rows whose value lies in [lo, hi], ordered by value then row.
func (s *sortedIndex) Range(lo, hi any) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	left := sort.Search(n, func(i int) bool { return compareValues(s.entries[i].value, lo) >= 0 })
	var out []uint32
	for i := left; i < n && compareValues(s.entries[i].value, hi) <= 0; i++ {
		out = append(out, s.entries[i].rowID)
	}
	return out, nil
}

// Descending returns up to n rows from the largest value down. Rows sharing
// a value keep ascending row order. n <= 0 returns every row.
func (s *sortedIndex) Descending(n int) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]uint32, 0, n)
	end := len(s.entries)
	for end > 0 && len(out) < n {
		start := end - 1
		for start > 0 && compareValues(s.entries[start-1].value, s.entries[end-1].value) == 0 {
			start--
		}
		for i := start; i < end && len(out) < n; i++ {
			out = append(out, s.entries[i].rowID)
		}
		end = start
	}
	return out
}

func (s *sortedIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ranger is implemented by ordered indexes.
type Ranger interface {
	Range(lo, hi any) ([]uint32, error)
	Descending(n int) []uint32
}

// compareValues orders two values of the same supported type. Mixed types
// compare by their string form.
func compareValues(a, b any) int {
	switch va := a.(type) {
	case int:
		if vb, ok := b.(int); ok {
			return cmp.Compare(va, vb)
		}
	case int64:
		if vb, ok := b.(int64); ok {
			return cmp.Compare(va, vb)
		}
	case float64:
		if vb, ok := b.(float64); ok {
			return cmp.Compare(va, vb)
		}
	case string:
		if vb, ok := b.(string); ok {
			return cmp.Compare(va, vb)
		}
	}
	return cmp.Compare(toString(a), toString(b))
}
