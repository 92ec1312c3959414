package rfm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/rfm/db"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/shopspring/decimal"
)

// CustomerRFM is one scored customer. Rows are immutable once produced.
type CustomerRFM struct {
	CustomerID string          `json:"customer_id"`
	Recency    int             `json:"recency"`
	Frequency  int             `json:"frequency"`
	Monetary   decimal.Decimal `json:"monetary"`
	RScore     int             `json:"r_score"`
	FScore     int             `json:"f_score"`
	MScore     int             `json:"m_score"`
	Score      int             `json:"rfm_score"`
	Segment    string          `json:"segment"`
}

// Code concatenates the three sub-scores, e.g. "143".
func (c CustomerRFM) Code() string {
	return strconv.Itoa(c.RScore) + strconv.Itoa(c.FScore) + strconv.Itoa(c.MScore)
}

type accumulator struct {
	last     time.Time
	count    int
	monetary decimal.Decimal
}

// Aggregate groups transactions by customer and derives recency, frequency
// and monetary value relative to ref. Customers whose summed amount is not
// positive are dropped. Rows are ordered by customer id, numerically when
// both ids are integers.
func Aggregate(records []arrow.Record, ref time.Time) ([]CustomerRFM, error) {
	groups := make(map[string]*accumulator)

	for n, record := range records {
		cols, err := db.ColumnsOf(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", n, err)
		}
		for i := 0; i < int(record.NumRows()); i++ {
			id := cols.CustomerID.Value(i)
			acc, ok := groups[id]
			if !ok {
				acc = &accumulator{}
				groups[id] = acc
			}
			if ts := cols.Time(i); acc.count == 0 || ts.After(acc.last) {
				acc.last = ts
			}
			acc.count++
			acc.monetary = acc.monetary.Add(decimal.NewFromFloat(cols.Amount.Value(i)))
		}
	}

	ids := make([]string, 0, len(groups))
	for id, acc := range groups {
		if acc.monetary.IsPositive() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return CompareIDs(ids[i], ids[j]) < 0 })

	rows := make([]CustomerRFM, len(ids))
	for i, id := range ids {
		acc := groups[id]
		rows[i] = CustomerRFM{
			CustomerID: id,
			Recency:    DaysBetween(acc.last, ref),
			Frequency:  acc.count,
			Monetary:   acc.monetary,
		}
	}
	return rows, nil
}

// DaysBetween returns the whole days from earlier to later, rounded toward
// negative infinity.
func DaysBetween(earlier, later time.Time) int {
	const day = 24 * time.Hour
	d := later.Sub(earlier)
	days := d / day
	if d%day < 0 {
		days--
	}
	return int(days)
}

// CompareIDs orders customer ids numerically when both parse as integers and
// lexically otherwise.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return strings.Compare(a, b) // "007" vs "7"
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}
