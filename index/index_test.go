package index

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/rfm/rfm"
)

func TestIndexStrategies(t *testing.T) {
	for _, s := range []Strategy{RoaringBitmap, HashIndex, Bloom, SortedColumn} {
		t.Run(s.String(), func(t *testing.T) {
			idx, err := New(s, DefaultSettings())
			require.NoError(t, err)

			require.NoError(t, idx.Add(0, "Champions"))
			require.NoError(t, idx.Add(1, "At Risk"))
			require.NoError(t, idx.Add(2, "Champions"))
			assert.Equal(t, 3, idx.Len())

			rows, err := idx.Search("Champions")
			require.NoError(t, err)
			assert.Equal(t, []uint32{0, 2}, rows)

			rows, err = idx.Search("Promising")
			require.NoError(t, err)
			assert.Empty(t, rows)

			// re-adding a row moves it to the new value
			require.NoError(t, idx.Add(0, "At Risk"))
			rows, _ = idx.Search("Champions")
			assert.Equal(t, []uint32{2}, rows)
			rows, _ = idx.Search("At Risk")
			assert.Equal(t, []uint32{0, 1}, rows)
			assert.Equal(t, 3, idx.Len())
		})
	}
}

func TestUnsupportedStrategy(t *testing.T) {
	_, err := New(Strategy(99), DefaultSettings())
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)

	_, err = NewManager(DefaultSettings()).CreateIndex("x", Strategy(99))
	assert.ErrorIs(t, err, ErrUnsupportedStrategy)
}

func TestReAddMovesRow(t *testing.T) {
	idx := NewRoaringIndex()
	require.NoError(t, idx.Add(7, "a"))
	require.NoError(t, idx.Add(7, "b"))
	rows, _ := idx.Search("a")
	assert.Empty(t, rows)
	rows, _ = idx.Search("b")
	assert.Equal(t, []uint32{7}, rows)
}

func TestSortedRangeAndDescending(t *testing.T) {
	idx := NewSortedIndex()
	for row, v := range []float64{50, 300, 100, 300, 10} {
		require.NoError(t, idx.Add(uint32(row), v))
	}
	r := idx.(Ranger)

	rows, err := r.Range(50.0, 300.0)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 2, 1, 3}, rows)

	assert.Equal(t, []uint32{1, 3, 2}, r.Descending(3))
	assert.Equal(t, []uint32{1, 3, 2, 0, 4}, r.Descending(0))
}

func TestSortedLoadMatchesAdd(t *testing.T) {
	values := []any{50.0, 300.0, 100.0, 300.0, 10.0, 100.0}
	added := NewSortedIndex()
	for row, v := range values {
		require.NoError(t, added.Add(uint32(row), v))
	}
	loaded := NewSortedIndex()
	require.NoError(t, loaded.(BulkLoader).Load(values))

	assert.Equal(t, added.Len(), loaded.Len())
	assert.Equal(t, added.(Ranger).Descending(0), loaded.(Ranger).Descending(0))
	want, _ := added.(Ranger).Range(50.0, 100.0)
	got, _ := loaded.(Ranger).Range(50.0, 100.0)
	assert.Equal(t, want, got)

	// rows loaded in bulk can still be moved
	require.NoError(t, loaded.Add(4, 1000.0))
	assert.Equal(t, []uint32{4, 1}, loaded.(Ranger).Descending(2))
	assert.Equal(t, len(values), loaded.Len())
}

func TestBloomMayContain(t *testing.T) {
	idx := NewBloomIndex(100, 0.001)
	require.NoError(t, idx.Add(0, "C1"))
	f := idx.(Filter)
	assert.True(t, f.MayContain("C1"))

	misses := 0
	for i := 0; i < 100; i++ {
		if !f.MayContain(fmt.Sprintf("absent-%d", i)) {
			misses++
		}
	}
	assert.Greater(t, misses, 90)
}

func TestCompareValues(t *testing.T) {
	assert.Negative(t, compareValues(1, 2))
	assert.Positive(t, compareValues(int64(5), int64(-5)))
	assert.Zero(t, compareValues(2.5, 2.5))
	assert.Negative(t, compareValues("a", "b"))
	assert.Negative(t, compareValues(1, "2"))
}

func scored() *rfm.Result {
	row := func(id string, score int, seg string, m int64) rfm.CustomerRFM {
		return rfm.CustomerRFM{CustomerID: id, Score: score, Segment: seg, Monetary: decimal.NewFromInt(m)}
	}
	return &rfm.Result{Customers: []rfm.CustomerRFM{
		row("1", 9, rfm.Champions, 50),
		row("2", 7, rfm.PotentialLoyalists, 200),
		row("3", 6, rfm.RecentCustomers, 300),
		row("4", 8, rfm.LoyalCustomers, 100),
		row("5", 9, rfm.Champions, 300),
	}}
}

func TestManager(t *testing.T) {
	m, err := Build(scored(), DefaultSettings())
	require.NoError(t, err)

	row, ok := m.Customer("4")
	require.True(t, ok)
	assert.Equal(t, uint32(3), row)
	_, ok = m.Customer("404")
	assert.False(t, ok)

	assert.Equal(t, []uint32{0, 4}, m.Segment(rfm.Champions).ToArray())
	assert.True(t, m.Segment(rfm.Lost).IsEmpty())
	assert.Equal(t, []uint32{0, 4}, m.Score(9).ToArray())
	assert.Equal(t, []uint32{0, 3, 4}, m.ScoreBetween(8, 12).ToArray())

	// Equal monetary values keep table order.
	assert.Equal(t, []uint32{2, 4, 1}, m.TopByMonetary(3))
	assert.Equal(t, []uint32{0, 3}, m.MonetaryBetween(0, 100))

	// Returned bitmaps are copies.
	bm := m.Segment(rfm.Champions)
	bm.Clear()
	assert.Equal(t, uint64(2), m.Segment(rfm.Champions).GetCardinality())
}

func manyCustomers(n int) *rfm.Result {
	res := &rfm.Result{Customers: make([]rfm.CustomerRFM, n)}
	for i := range res.Customers {
		res.Customers[i] = rfm.CustomerRFM{
			CustomerID: fmt.Sprint(i),
			Score:      3 + i%10,
			Segment:    rfm.Champions,
			Monetary:   decimal.NewFromInt(int64((i * 7919) % n)),
		}
	}
	return res
}

func TestBuildLargeTable(t *testing.T) {
	const n = 100000
	m, err := Build(manyCustomers(n), DefaultSettings())
	require.NoError(t, err)

	row, ok := m.Customer("99999")
	require.True(t, ok)
	assert.Equal(t, uint32(99999), row)

	// 7919 is prime, so monetary values are a permutation of 0..n-1
	top := m.TopByMonetary(1)
	require.Len(t, top, 1)
	assert.Equal(t, int64((int(top[0])*7919)%n), int64(n-1))
	assert.Len(t, m.MonetaryBetween(0, float64(n)), n)
}

// go test -bench=BenchmarkBuild -benchmem ./index
func BenchmarkBuild(b *testing.B) {
	res := manyCustomers(50000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Build(res, DefaultSettings()); err != nil {
			b.Fatal(err)
		}
	}
}

func TestManagerEmptyResult(t *testing.T) {
	m, err := Build(&rfm.Result{}, DefaultSettings())
	require.NoError(t, err)
	_, ok := m.Customer("1")
	assert.False(t, ok)
	assert.Empty(t, m.TopByMonetary(10))
	assert.True(t, m.Segment(rfm.Champions).IsEmpty())
}
