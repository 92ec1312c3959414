// Package report derives read-only views from a scored customer table and
// from the transactions behind it. Every view accepts an empty input and
// returns zero values rather than NaN.
package report

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/TFMV/rfm/rfm"
)

// ErrUnknownSegment is returned for a segment label not on the ladder.
var ErrUnknownSegment = errors.New("unknown segment")

// DefaultActiveWindowDays is the recency at or below which a customer counts
// as active.
const DefaultActiveWindowDays = 30

var hundred = decimal.NewFromInt(100)

// Summary holds the headline figures of a scored table.
type Summary struct {
	TotalCustomers      int             `json:"total_customers"`
	ActiveCustomers     int             `json:"active_customers"`
	AvgRecency          float64         `json:"avg_recency"`
	AvgFrequency        float64         `json:"avg_frequency"`
	AvgMonetary         decimal.Decimal `json:"avg_monetary"`
	TotalRevenue        decimal.Decimal `json:"total_revenue"`
	AboveAvgMonetaryPct float64         `json:"above_avg_monetary_pct"`
	RecentPct           float64         `json:"recent_pct"`
}

// Summarize computes the Summary of rows. Customers with recency at most
// activeWindowDays are active; RecentPct counts recency at or below average.
func Summarize(rows []rfm.CustomerRFM, activeWindowDays int) Summary {
	s := Summary{TotalCustomers: len(rows)}
	if len(rows) == 0 {
		return s
	}

	var recency, frequency int
	for _, r := range rows {
		recency += r.Recency
		frequency += r.Frequency
		s.TotalRevenue = s.TotalRevenue.Add(r.Monetary)
		if r.Recency <= activeWindowDays {
			s.ActiveCustomers++
		}
	}
	n := float64(len(rows))
	s.AvgRecency = float64(recency) / n
	s.AvgFrequency = float64(frequency) / n
	avg := s.TotalRevenue.Div(decimal.NewFromInt(int64(len(rows))))
	s.AvgMonetary = avg.Round(2)

	var above, recent int
	for _, r := range rows {
		if r.Monetary.GreaterThan(avg) {
			above++
		}
		if float64(r.Recency) <= s.AvgRecency {
			recent++
		}
	}
	s.AboveAvgMonetaryPct = pct(above, len(rows))
	s.RecentPct = pct(recent, len(rows))
	return s
}

func pct(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) * 100 / float64(whole)
}

// SegmentCount is the population of one segment.
type SegmentCount struct {
	Segment   string  `json:"segment"`
	Customers int     `json:"customers"`
	Percent   float64 `json:"percent"`
}

// SegmentCounts returns the populated segments by descending count, ties in
// ladder order.
func SegmentCounts(res *rfm.Result) []SegmentCount {
	counts := make(map[string]int)
	for _, c := range res.Customers {
		counts[c.Segment]++
	}
	out := make([]SegmentCount, 0, len(counts))
	for seg, n := range counts {
		out = append(out, SegmentCount{Segment: seg, Customers: n, Percent: pct(n, len(res.Customers))})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Customers != out[j].Customers {
			return out[i].Customers > out[j].Customers
		}
		return res.Ladder.Rank(out[i].Segment) < res.Ladder.Rank(out[j].Segment)
	})
	return out
}

// TopCustomers returns up to n rows by descending monetary value. Equal
// values keep table order.
func TopCustomers(rows []rfm.CustomerRFM, n int) []rfm.CustomerRFM {
	sorted := append([]rfm.CustomerRFM(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Monetary.GreaterThan(sorted[j].Monetary)
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// SegmentStats describes the value of one segment.
type SegmentStats struct {
	Segment      string          `json:"segment"`
	Customers    int             `json:"customers"`
	AvgMonetary  decimal.Decimal `json:"avg_monetary"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
	AvgFrequency float64         `json:"avg_frequency"`
	AvgRecency   float64         `json:"avg_recency"`
	RevenueShare float64         `json:"revenue_share_pct"`
}

// SegmentPerformance returns per-segment statistics for populated segments
// in ladder order. RevenueShare is rounded to one decimal place.
func SegmentPerformance(res *rfm.Result) []SegmentStats {
	type acc struct {
		n                  int
		revenue            decimal.Decimal
		frequency, recency int
	}
	groups := make(map[string]*acc)
	total := decimal.Zero
	for _, c := range res.Customers {
		a, ok := groups[c.Segment]
		if !ok {
			a = &acc{}
			groups[c.Segment] = a
		}
		a.n++
		a.revenue = a.revenue.Add(c.Monetary)
		a.frequency += c.Frequency
		a.recency += c.Recency
		total = total.Add(c.Monetary)
	}

	out := make([]SegmentStats, 0, len(groups))
	for _, seg := range res.Ladder.Segments() {
		a, ok := groups[seg]
		if !ok {
			continue
		}
		st := SegmentStats{
			Segment:      seg,
			Customers:    a.n,
			TotalRevenue: a.revenue,
			AvgMonetary:  a.revenue.Div(decimal.NewFromInt(int64(a.n))).Round(2),
			AvgFrequency: float64(a.frequency) / float64(a.n),
			AvgRecency:   float64(a.recency) / float64(a.n),
		}
		if total.IsPositive() {
			st.RevenueShare = a.revenue.Mul(hundred).Div(total).Round(1).InexactFloat64()
		}
		out = append(out, st)
	}
	return out
}

// ValueTierNames label the monetary quartiles, lowest first.
var ValueTierNames = []string{"Bronze", "Silver", "Gold", "Platinum"}

// AssignValueTiers labels each row with its monetary quartile. The result
// is parallel to rows.
func AssignValueTiers(rows []rfm.CustomerRFM) ([]string, error) {
	if len(rows) == 0 {
		return []string{}, nil
	}
	values := make([]float64, len(rows))
	for i, r := range rows {
		values[i] = r.Monetary.InexactFloat64()
	}
	bins, err := rfm.QuantileCut(rfm.DimMonetary, values, len(ValueTierNames), rfm.Ascending)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, b := range bins {
		out[i] = ValueTierNames[b-1]
	}
	return out, nil
}

// TierStats summarizes one value tier.
type TierStats struct {
	Tier        string          `json:"tier"`
	Customers   int             `json:"customers"`
	AvgMonetary decimal.Decimal `json:"avg_monetary"`
}

// ValueTiers returns the population and average spend of each tier, lowest
// tier first.
func ValueTiers(rows []rfm.CustomerRFM) ([]TierStats, error) {
	tiers, err := AssignValueTiers(rows)
	if err != nil {
		return nil, err
	}
	sums := make(map[string]decimal.Decimal)
	counts := make(map[string]int)
	for i, t := range tiers {
		sums[t] = sums[t].Add(rows[i].Monetary)
		counts[t]++
	}
	out := make([]TierStats, 0, len(ValueTierNames))
	for _, name := range ValueTierNames {
		st := TierStats{Tier: name, Customers: counts[name]}
		if st.Customers > 0 {
			st.AvgMonetary = sums[name].Div(decimal.NewFromInt(int64(st.Customers))).Round(2)
		}
		out = append(out, st)
	}
	return out, nil
}

// ScoreBucket counts customers with one composite score.
type ScoreBucket struct {
	Score     int `json:"rfm_score"`
	Customers int `json:"customers"`
}

// ScoreHistogram counts customers per composite score, ascending.
func ScoreHistogram(rows []rfm.CustomerRFM) []ScoreBucket {
	counts := make(map[int]int)
	for _, r := range rows {
		counts[r.Score]++
	}
	out := make([]ScoreBucket, 0, len(counts))
	for s, n := range counts {
		out = append(out, ScoreBucket{Score: s, Customers: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// Page is one window of a longer listing.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Paginate returns rows[offset:offset+limit]. Offsets past the end yield an
// empty page; a non-positive limit returns everything from offset.
func Paginate[T any](rows []T, offset, limit int) Page[T] {
	if offset < 0 {
		offset = 0
	}
	if offset > len(rows) {
		offset = len(rows)
	}
	end := len(rows)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	items := make([]T, end-offset)
	copy(items, rows[offset:end])
	return Page[T]{Items: items, Total: len(rows), Offset: offset, Limit: limit}
}
