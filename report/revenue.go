package report

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/shopspring/decimal"

	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/rfm"
)

// scan visits every row of records after validating each record's columns.
func scan(records []arrow.Record, fn func(cols db.Columns, i int)) error {
	for n, record := range records {
		cols, err := db.ColumnsOf(record)
		if err != nil {
			return fmt.Errorf("record %d: %w", n, err)
		}
		for i := 0; i < int(record.NumRows()); i++ {
			fn(cols, i)
		}
	}
	return nil
}

func amount(cols db.Columns, i int) decimal.Decimal {
	return decimal.NewFromFloat(cols.Amount.Value(i))
}

// MonthlyRevenue is the activity of one calendar month.
type MonthlyRevenue struct {
	Month           string          `json:"month"`
	Revenue         decimal.Decimal `json:"revenue"`
	AvgOrderValue   decimal.Decimal `json:"avg_order_value"`
	Orders          int             `json:"orders"`
	ActiveCustomers int             `json:"active_customers"`
}

// Monthly groups transactions by YYYY-MM of the purchase date, in month order.
func Monthly(records []arrow.Record) ([]MonthlyRevenue, error) {
	type acc struct {
		revenue   decimal.Decimal
		orders    int
		customers map[string]struct{}
	}
	months := make(map[string]*acc)
	err := scan(records, func(cols db.Columns, i int) {
		key := cols.Time(i).Format("2006-01")
		a, ok := months[key]
		if !ok {
			a = &acc{customers: make(map[string]struct{})}
			months[key] = a
		}
		a.revenue = a.revenue.Add(amount(cols, i))
		a.orders++
		a.customers[cols.CustomerID.Value(i)] = struct{}{}
	})
	if err != nil {
		return nil, err
	}

	out := make([]MonthlyRevenue, 0, len(months))
	for month, a := range months {
		out = append(out, MonthlyRevenue{
			Month:           month,
			Revenue:         a.revenue,
			AvgOrderValue:   a.revenue.Div(decimal.NewFromInt(int64(a.orders))).Round(2),
			Orders:          a.orders,
			ActiveCustomers: len(a.customers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month < out[j].Month })
	return out, nil
}

// DailyRevenue is the revenue of one calendar day.
type DailyRevenue struct {
	Date    string          `json:"date"`
	Revenue decimal.Decimal `json:"revenue"`
	Orders  int             `json:"orders"`
}

// Daily groups transactions by purchase date, in date order.
func Daily(records []arrow.Record) ([]DailyRevenue, error) {
	days := make(map[string]*DailyRevenue)
	err := scan(records, func(cols db.Columns, i int) {
		key := cols.Time(i).Format("2006-01-02")
		d, ok := days[key]
		if !ok {
			d = &DailyRevenue{Date: key}
			days[key] = d
		}
		d.Revenue = d.Revenue.Add(amount(cols, i))
		d.Orders++
	})
	if err != nil {
		return nil, err
	}

	out := make([]DailyRevenue, 0, len(days))
	for _, d := range days {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// TopRevenueDays returns up to n days by descending revenue, earlier dates
// first on ties.
func TopRevenueDays(days []DailyRevenue, n int) []DailyRevenue {
	sorted := append([]DailyRevenue(nil), days...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Revenue.Cmp(sorted[j].Revenue); c != 0 {
			return c > 0
		}
		return sorted[i].Date < sorted[j].Date
	})
	if n >= 0 && n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}

// Stats describes the transaction table as loaded.
type Stats struct {
	Records         int             `json:"records"`
	UniqueCustomers int             `json:"unique_customers"`
	FirstPurchase   time.Time       `json:"first_purchase"`
	LastPurchase    time.Time       `json:"last_purchase"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	AvgOrderValue   decimal.Decimal `json:"avg_order_value"`
}

// DataStats counts records and customers and finds the purchase date range.
func DataStats(records []arrow.Record) (Stats, error) {
	var s Stats
	customers := make(map[string]struct{})
	err := scan(records, func(cols db.Columns, i int) {
		ts := cols.Time(i)
		if s.Records == 0 || ts.Before(s.FirstPurchase) {
			s.FirstPurchase = ts
		}
		if s.Records == 0 || ts.After(s.LastPurchase) {
			s.LastPurchase = ts
		}
		s.Records++
		s.TotalRevenue = s.TotalRevenue.Add(amount(cols, i))
		customers[cols.CustomerID.Value(i)] = struct{}{}
	})
	if err != nil {
		return Stats{}, err
	}
	s.UniqueCustomers = len(customers)
	if s.Records > 0 {
		s.AvgOrderValue = s.TotalRevenue.Div(decimal.NewFromInt(int64(s.Records))).Round(2)
	}
	return s, nil
}

// CustomerFeature is the behavioural profile of one customer.
type CustomerFeature struct {
	CustomerID       string          `json:"customer_id"`
	TenureDays       int             `json:"tenure_days"`
	TransactionCount int             `json:"transaction_count"`
	AvgOrderValue    decimal.Decimal `json:"avg_order_value"`
	SpendingStd      float64         `json:"spending_std"`
	TotalSpending    decimal.Decimal `json:"total_spending"`
	ProductVariety   int             `json:"product_variety"`
	TotalProducts    int             `json:"total_products"`
}

// CustomerFeatures profiles every customer in records, ordered by customer
// id. Tenure is the whole days between first and last purchase. SpendingStd
// is the sample standard deviation of order amounts, 0 with a single order.
// Null products are not counted.
func CustomerFeatures(records []arrow.Record) ([]CustomerFeature, error) {
	type acc struct {
		first, last time.Time
		amounts     []float64
		total       decimal.Decimal
		products    map[string]struct{}
		productRows int
	}
	groups := make(map[string]*acc)
	err := scan(records, func(cols db.Columns, i int) {
		id := cols.CustomerID.Value(i)
		a, ok := groups[id]
		ts := cols.Time(i)
		if !ok {
			a = &acc{first: ts, last: ts, products: make(map[string]struct{})}
			groups[id] = a
		}
		if ts.Before(a.first) {
			a.first = ts
		}
		if ts.After(a.last) {
			a.last = ts
		}
		a.amounts = append(a.amounts, cols.Amount.Value(i))
		a.total = a.total.Add(amount(cols, i))
		if p := cols.ProductAt(i); p != "" {
			a.products[p] = struct{}{}
			a.productRows++
		}
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return rfm.CompareIDs(ids[i], ids[j]) < 0 })

	out := make([]CustomerFeature, 0, len(ids))
	for _, id := range ids {
		a := groups[id]
		n := len(a.amounts)
		out = append(out, CustomerFeature{
			CustomerID:       id,
			TenureDays:       rfm.DaysBetween(a.first, a.last),
			TransactionCount: n,
			AvgOrderValue:    a.total.Div(decimal.NewFromInt(int64(n))).Round(2),
			SpendingStd:      sampleStd(a.amounts),
			TotalSpending:    a.total,
			ProductVariety:   len(a.products),
			TotalProducts:    a.productRows,
		})
	}
	return out, nil
}

func sampleStd(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
