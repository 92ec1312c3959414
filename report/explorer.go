package report

import (
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TFMV/rfm/index"
	"github.com/TFMV/rfm/rfm"
)

var segmentCustomers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "rfm_segment_customers",
	Help: "Customers per segment in the most recently explored result",
}, []string{"segment"})

func init() {
	prometheus.MustRegister(segmentCustomers)
}

// Explorer answers point and segment lookups on one Result through its
// indexes. It is read-only and safe for concurrent use.
type Explorer struct {
	res      *rfm.Result
	idx      *index.Manager
	maxScore int
}

// NewExplorer indexes res.
func NewExplorer(res *rfm.Result, settings index.Settings) (*Explorer, error) {
	m, err := index.Build(res, settings)
	if err != nil {
		return nil, fmt.Errorf("index result: %w", err)
	}
	for _, seg := range res.Ladder.Segments() {
		segmentCustomers.WithLabelValues(seg).Set(float64(m.Segment(seg).GetCardinality()))
	}
	e := &Explorer{res: res, idx: m}
	for _, c := range res.Customers {
		e.maxScore = max(e.maxScore, c.Score)
	}
	return e, nil
}

// Result returns the explored result.
func (e *Explorer) Result() *rfm.Result { return e.res }

// Customer returns the row of customerID.
func (e *Explorer) Customer(customerID string) (rfm.CustomerRFM, bool) {
	row, ok := e.idx.Customer(customerID)
	if !ok {
		return rfm.CustomerRFM{}, false
	}
	return e.res.Customers[row], true
}

// Segment returns the customers labelled segment in table order.
func (e *Explorer) Segment(segment string) ([]rfm.CustomerRFM, error) {
	if e.res.Ladder.Rank(segment) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSegment, segment)
	}
	return e.rows(e.idx.Segment(segment).ToArray()), nil
}

// ScoreBetween returns the customers whose composite score is in [lo, hi].
func (e *Explorer) ScoreBetween(lo, hi int) []rfm.CustomerRFM {
	return e.rows(e.idx.ScoreBetween(lo, hi).ToArray())
}

// SegmentAtLeast returns the customers in segment scoring at least lo.
func (e *Explorer) SegmentAtLeast(segment string, lo int) ([]rfm.CustomerRFM, error) {
	if e.res.Ladder.Rank(segment) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSegment, segment)
	}
	bm := e.idx.Segment(segment)
	bm.And(e.idx.ScoreBetween(lo, e.maxScore))
	return e.rows(bm.ToArray()), nil
}

// MonetaryBetween returns the customers whose monetary value lies in
// [lo, hi], in table order.
func (e *Explorer) MonetaryBetween(lo, hi float64) []rfm.CustomerRFM {
	ids := e.idx.MonetaryBetween(lo, hi)
	slices.Sort(ids)
	return e.rows(ids)
}

// Top returns up to n customers by descending monetary value.
func (e *Explorer) Top(n int) []rfm.CustomerRFM {
	return e.rows(e.idx.TopByMonetary(n))
}

func (e *Explorer) rows(ids []uint32) []rfm.CustomerRFM {
	out := make([]rfm.CustomerRFM, len(ids))
	for i, id := range ids {
		out[i] = e.res.Customers[id]
	}
	return out
}
