package loader

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/rfm/db"
)

// DateLayouts are tried in order when a purchase date arrives as text.
var DateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"01/02/2006",
}

// canonical maps a source column name to its db column. Matching ignores
// case and underscores, so "CustomerID" and "customer_id" are the same.
func canonical(name string) (string, bool) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(name), "_", ""))
	switch key {
	case "customerid":
		return db.ColCustomerID, true
	case "orderid":
		return db.ColOrderID, true
	case "purchasedate":
		return db.ColPurchaseDate, true
	case "transactionamount":
		return db.ColTransactionAmount, true
	case "productinformation":
		return db.ColProductInformation, true
	}
	return "", false
}

// resolve finds the position of every db column among names. Required
// columns that are missing yield db.ErrSchema naming the first one.
func resolve(names []string) (map[string]int, error) {
	pos := make(map[string]int, len(names))
	for i, n := range names {
		if c, ok := canonical(n); ok {
			if _, dup := pos[c]; !dup {
				pos[c] = i
			}
		}
	}
	for _, c := range db.RequiredColumns {
		if _, ok := pos[c]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", db.ErrSchema, c)
		}
	}
	return pos, nil
}

// Normalize converts a record from any source into the canonical db.Schema.
// Column names are matched loosely; ids may be strings or integers, amounts
// any numeric type, and dates timestamps, Arrow dates or text in one of
// DateLayouts. The caller owns the returned record.
func Normalize(rec arrow.Record, mem memory.Allocator) (arrow.Record, error) {
	s := rec.Schema()
	names := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		names[i] = f.Name
	}
	pos, err := resolve(names)
	if err != nil {
		return nil, err
	}

	col := func(c string) arrow.Array { return rec.Column(pos[c]) }
	var product arrow.Array
	if i, ok := pos[db.ColProductInformation]; ok {
		product = rec.Column(i)
	}

	txns := make([]db.Transaction, rec.NumRows())
	for i := range txns {
		t := &txns[i]
		if t.CustomerID, err = textAt(col(db.ColCustomerID), i); err != nil {
			return nil, columnErr(db.ColCustomerID, i, err)
		}
		if t.OrderID, err = textAt(col(db.ColOrderID), i); err != nil {
			return nil, columnErr(db.ColOrderID, i, err)
		}
		if t.PurchaseDate, err = timeAt(col(db.ColPurchaseDate), i); err != nil {
			return nil, columnErr(db.ColPurchaseDate, i, err)
		}
		if t.Amount, err = floatAt(col(db.ColTransactionAmount), i); err != nil {
			return nil, columnErr(db.ColTransactionAmount, i, err)
		}
		if product != nil && product.IsValid(i) {
			if t.Product, err = textAt(product, i); err != nil {
				return nil, columnErr(db.ColProductInformation, i, err)
			}
		}
	}
	return db.BuildRecord(mem, txns), nil
}

func columnErr(column string, row int, err error) error {
	return fmt.Errorf("%w: column %q row %d: %v", db.ErrSchema, column, row, err)
}

var errNull = errors.New("null value")

func textAt(arr arrow.Array, i int) (string, error) {
	if arr.IsNull(i) {
		return "", errNull
	}
	switch a := arr.(type) {
	case *array.String:
		return a.Value(i), nil
	case *array.LargeString:
		return a.Value(i), nil
	case *array.Int64:
		return strconv.FormatInt(a.Value(i), 10), nil
	case *array.Int32:
		return strconv.FormatInt(int64(a.Value(i)), 10), nil
	case *array.Float64:
		return strconv.FormatFloat(a.Value(i), 'f', -1, 64), nil
	}
	return "", fmt.Errorf("unsupported type %s", arr.DataType())
}

func floatAt(arr arrow.Array, i int) (float64, error) {
	if arr.IsNull(i) {
		return 0, errNull
	}
	var (
		v   float64
		err error
	)
	switch a := arr.(type) {
	case *array.Float64:
		v = a.Value(i)
	case *array.Float32:
		v = float64(a.Value(i))
	case *array.Int64:
		v = float64(a.Value(i))
	case *array.Int32:
		v = float64(a.Value(i))
	case *array.String:
		v, err = strconv.ParseFloat(strings.TrimSpace(a.Value(i)), 64)
	default:
		return 0, fmt.Errorf("unsupported type %s", arr.DataType())
	}
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite amount %v", v)
	}
	return v, nil
}

func timeAt(arr arrow.Array, i int) (time.Time, error) {
	if arr.IsNull(i) {
		return time.Time{}, errNull
	}
	switch a := arr.(type) {
	case *array.Timestamp:
		toTime, err := a.DataType().(*arrow.TimestampType).GetToTimeFunc()
		if err != nil {
			return time.Time{}, err
		}
		return toTime(a.Value(i)).UTC(), nil
	case *array.Date32:
		return a.Value(i).ToTime(), nil
	case *array.Date64:
		return a.Value(i).ToTime(), nil
	case *array.String:
		return ParseDate(a.Value(i))
	}
	return time.Time{}, fmt.Errorf("unsupported type %s", arr.DataType())
}

// ParseDate parses s with the first matching layout of DateLayouts, in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range DateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}
