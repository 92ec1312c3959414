package rfm_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/rfm"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"pgregory.net/rapid"
)

func genTransactions(t *rapid.T) []db.Transaction {
	customers := rapid.IntRange(0, 40).Draw(t, "customers")
	start := time.Date(2022, time.July, 1, 0, 0, 0, 0, time.UTC)

	var txns []db.Transaction
	for c := 0; c < customers; c++ {
		id := fmt.Sprintf("%d", rapid.IntRange(1, 500).Draw(t, "id"))
		n := rapid.IntRange(1, 6).Draw(t, "orders")
		for k := 0; k < n; k++ {
			txns = append(txns, db.Transaction{
				CustomerID:   id,
				OrderID:      fmt.Sprintf("%s-%d-%d", id, c, k),
				PurchaseDate: start.Add(time.Duration(rapid.IntRange(0, 365*24).Draw(t, "hour")) * time.Hour),
				Amount:       float64(rapid.IntRange(-5000, 50000).Draw(t, "cents")) / 100,
			})
		}
	}
	return txns
}

func computeProp(t *rapid.T, txns []db.Transaction, cfg rfm.Config) (*rfm.Result, bool) {
	rec := db.BuildRecord(memory.DefaultAllocator, txns)
	defer rec.Release()

	res, err := rfm.Compute([]arrow.Record{rec}, cfg)
	if errors.Is(err, rfm.ErrInsufficientDistinctValues) {
		return nil, false
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return res, true
}

func TestScoringProperties(t *testing.T) {
	for _, tb := range []rfm.TieBreak{rfm.TieBreakDense, rfm.TieBreakFirst} {
		t.Run(tb.String(), func(t *testing.T) {
			rapid.Check(t, func(t *rapid.T) {
				cfg := rfm.DefaultConfig()
				cfg.FrequencyTieBreak = tb
				txns := genTransactions(t)

				res, ok := computeProp(t, txns, cfg)
				if !ok {
					return
				}

				seen := map[string]bool{}
				for i, c := range res.Customers {
					if !c.Monetary.IsPositive() {
						t.Fatalf("%s: monetary %s is not positive", c.CustomerID, c.Monetary)
					}
					if c.Frequency < 1 {
						t.Fatalf("%s: frequency %d", c.CustomerID, c.Frequency)
					}
					if c.Score != c.RScore+c.FScore+c.MScore {
						t.Fatalf("%s: score %d is not the sum of %s", c.CustomerID, c.Score, c.Code())
					}
					if c.Score < cfg.MinScore() || c.Score > cfg.MaxScore() {
						t.Fatalf("%s: score %d out of range", c.CustomerID, c.Score)
					}
					if c.Segment != cfg.Ladder.Segment(c.Score) {
						t.Fatalf("%s: segment %q for score %d", c.CustomerID, c.Segment, c.Score)
					}
					if c.Segment == rfm.Lost {
						t.Fatalf("%s: labelled %s", c.CustomerID, rfm.Lost)
					}
					if seen[c.CustomerID] {
						t.Fatalf("%s appears twice", c.CustomerID)
					}
					seen[c.CustomerID] = true
					if i > 0 && rfm.CompareIDs(res.Customers[i-1].CustomerID, c.CustomerID) >= 0 {
						t.Fatalf("rows out of order at %d", i)
					}
				}

				again, ok := computeProp(t, txns, cfg)
				if !ok || len(again.Customers) != len(res.Customers) {
					t.Fatalf("second run diverged")
				}
				for i := range res.Customers {
					if !sameRow(res.Customers[i], again.Customers[i]) {
						t.Fatalf("row %d differs between runs", i)
					}
				}
			})
		})
	}
}

func TestScoreMonotonicInRecency(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		txns := genTransactions(t)
		res, ok := computeProp(t, txns, rfm.DefaultConfig())
		if !ok {
			return
		}
		// Ascending recency labels: a strictly smaller recency never gets a
		// larger r_score.
		for _, a := range res.Customers {
			for _, b := range res.Customers {
				if a.Recency < b.Recency && a.RScore > b.RScore {
					t.Fatalf("%s (recency %d, r %d) vs %s (recency %d, r %d)",
						a.CustomerID, a.Recency, a.RScore, b.CustomerID, b.Recency, b.RScore)
				}
			}
		}
	})
}

func BenchmarkCompute(b *testing.B) {
	start := time.Date(2022, time.July, 1, 0, 0, 0, 0, time.UTC)
	txns := make([]db.Transaction, 0, 50000)
	for i := 0; i < cap(txns); i++ {
		txns = append(txns, db.Transaction{
			CustomerID:   fmt.Sprintf("%d", i%5000),
			OrderID:      fmt.Sprintf("o%d", i),
			PurchaseDate: start.Add(time.Duration(i%8760) * time.Hour),
			Amount:       float64(i%997) + 0.5,
		})
	}
	rec := db.BuildRecord(memory.DefaultAllocator, txns)
	defer rec.Release()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rfm.Compute([]arrow.Record{rec}, rfm.DefaultConfig()); err != nil {
			b.Fatal(err)
		}
	}
}
