package db

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Pool is the Go memory allocator used by Arrow.
var Pool = memory.NewGoAllocator()

// Column names of the transactions table.
const (
	ColCustomerID         = "customer_id"
	ColOrderID            = "order_id"
	ColPurchaseDate       = "purchase_date"
	ColTransactionAmount  = "transaction_amount"
	ColProductInformation = "product_information"
)

// ErrSchema is returned when a table is missing a required column, carries
// a column of the wrong type, or holds a null in a non-nullable column.
var ErrSchema = errors.New("schema mismatch")

// Schema defines the schema for the transactions table.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: ColCustomerID, Type: arrow.BinaryTypes.String},
	{Name: ColOrderID, Type: arrow.BinaryTypes.String},
	{Name: ColPurchaseDate, Type: arrow.FixedWidthTypes.Timestamp_s},
	{Name: ColTransactionAmount, Type: arrow.PrimitiveTypes.Float64},
	{Name: ColProductInformation, Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// RequiredColumns lists the columns every transactions table must carry.
// product_information is optional.
var RequiredColumns = []string{ColCustomerID, ColOrderID, ColPurchaseDate, ColTransactionAmount}

// Transaction is a single input row.
type Transaction struct {
	CustomerID   string    `json:"customer_id"`
	OrderID      string    `json:"order_id"`
	PurchaseDate time.Time `json:"purchase_date"`
	Amount       float64   `json:"transaction_amount"`
	Product      string    `json:"product_information,omitempty"`
}

// BuildRecord converts transactions into a record of the canonical Schema.
// The caller owns the returned record.
func BuildRecord(mem memory.Allocator, txns []Transaction) arrow.Record {
	if mem == nil {
		mem = Pool
	}
	builder := array.NewRecordBuilder(mem, Schema)
	defer builder.Release()

	customers := builder.Field(0).(*array.StringBuilder)
	orders := builder.Field(1).(*array.StringBuilder)
	dates := builder.Field(2).(*array.TimestampBuilder)
	amounts := builder.Field(3).(*array.Float64Builder)
	products := builder.Field(4).(*array.StringBuilder)

	for _, t := range txns {
		customers.Append(t.CustomerID)
		orders.Append(t.OrderID)
		dates.Append(arrow.Timestamp(t.PurchaseDate.Unix()))
		amounts.Append(t.Amount)
		if t.Product == "" {
			products.AppendNull()
		} else {
			products.Append(t.Product)
		}
	}
	return builder.NewRecord()
}

// ValidateSchema checks that every required column is present with the
// expected type. Any timestamp unit is accepted for purchase_date.
func ValidateSchema(s *arrow.Schema) error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", ErrSchema)
	}
	for _, name := range RequiredColumns {
		idx := s.FieldIndices(name)
		if len(idx) == 0 {
			return fmt.Errorf("%w: missing column %q", ErrSchema, name)
		}
		if err := checkType(name, s.Field(idx[0]).Type); err != nil {
			return err
		}
	}
	if idx := s.FieldIndices(ColProductInformation); len(idx) > 0 {
		if err := checkType(ColProductInformation, s.Field(idx[0]).Type); err != nil {
			return err
		}
	}
	return nil
}

func checkType(name string, dt arrow.DataType) error {
	var ok bool
	switch name {
	case ColPurchaseDate:
		ok = dt.ID() == arrow.TIMESTAMP
	case ColTransactionAmount:
		ok = arrow.TypeEqual(dt, arrow.PrimitiveTypes.Float64)
	default:
		ok = arrow.TypeEqual(dt, arrow.BinaryTypes.String)
	}
	if !ok {
		return fmt.Errorf("%w: column %q has type %s", ErrSchema, name, dt)
	}
	return nil
}

// Columns gives typed access to the columns of a validated record.
type Columns struct {
	CustomerID   *array.String
	OrderID      *array.String
	PurchaseDate *array.Timestamp
	Amount       *array.Float64
	Product      *array.String // nil when the record has no product column

	toTime func(arrow.Timestamp) time.Time
}

// ColumnsOf validates rec and resolves its columns by name. Nulls in a
// required column and non-finite amounts are rejected.
func ColumnsOf(rec arrow.Record) (Columns, error) {
	var cols Columns
	if err := ValidateSchema(rec.Schema()); err != nil {
		return cols, err
	}
	s := rec.Schema()
	col := func(name string) arrow.Array {
		return rec.Column(s.FieldIndices(name)[0])
	}

	cols.CustomerID = col(ColCustomerID).(*array.String)
	cols.OrderID = col(ColOrderID).(*array.String)
	cols.PurchaseDate = col(ColPurchaseDate).(*array.Timestamp)
	cols.Amount = col(ColTransactionAmount).(*array.Float64)
	if idx := s.FieldIndices(ColProductInformation); len(idx) > 0 {
		cols.Product = rec.Column(idx[0]).(*array.String)
	}

	toTime, err := cols.PurchaseDate.DataType().(*arrow.TimestampType).GetToTimeFunc()
	if err != nil {
		return cols, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	cols.toTime = toTime

	for name, arr := range map[string]arrow.Array{
		ColCustomerID:        cols.CustomerID,
		ColOrderID:           cols.OrderID,
		ColPurchaseDate:      cols.PurchaseDate,
		ColTransactionAmount: cols.Amount,
	} {
		if arr.NullN() > 0 {
			return cols, fmt.Errorf("%w: column %q contains %d null values", ErrSchema, name, arr.NullN())
		}
	}
	for i, v := range cols.Amount.Float64Values() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return cols, fmt.Errorf("%w: column %q row %d: non-finite amount %v", ErrSchema, ColTransactionAmount, i, v)
		}
	}
	return cols, nil
}

// Time returns the purchase timestamp of row i in UTC.
func (c Columns) Time(i int) time.Time {
	return c.toTime(c.PurchaseDate.Value(i)).UTC()
}

// ProductAt returns the product of row i, or "" when absent or null.
func (c Columns) ProductAt(i int) string {
	if c.Product == nil || c.Product.IsNull(i) {
		return ""
	}
	return c.Product.Value(i)
}

// TransactionsOf returns the rows of recs belonging to customerID, in
// record order.
func TransactionsOf(recs []arrow.Record, customerID string) ([]Transaction, error) {
	out := []Transaction{}
	for _, rec := range recs {
		cols, err := ColumnsOf(rec)
		if err != nil {
			return nil, err
		}
		for i := 0; i < cols.CustomerID.Len(); i++ {
			if cols.CustomerID.Value(i) != customerID {
				continue
			}
			out = append(out, Transaction{
				CustomerID:   customerID,
				OrderID:      cols.OrderID.Value(i),
				PurchaseDate: cols.Time(i),
				Amount:       cols.Amount.Value(i),
				Product:      cols.ProductAt(i),
			})
		}
	}
	return out, nil
}
