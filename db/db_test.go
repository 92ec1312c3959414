package db_test

import (
	"math"
	"testing"
	"time"

	"github.com/TFMV/rfm/db"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockDLQ implements db.DeadLetterQueue for testing
type MockDLQ struct {
	mock.Mock
}

func (m *MockDLQ) Write(rec arrow.Record) error {
	args := m.Called(rec)
	return args.Error(0)
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func createTestRecord(pool memory.Allocator) arrow.Record {
	return db.BuildRecord(pool, []db.Transaction{
		{CustomerID: "1", OrderID: "o1", PurchaseDate: day("2023-06-01"), Amount: 100, Product: "Product A"},
		{CustomerID: "2", OrderID: "o2", PurchaseDate: day("2023-06-02"), Amount: 200, Product: "Product B"},
		{CustomerID: "1", OrderID: "o3", PurchaseDate: day("2023-06-03"), Amount: 300},
	})
}

func newTestDB(t *testing.T, dlq db.DeadLetterQueue) *db.DB {
	t.Helper()
	database := db.NewDB(db.Settings{
		QueueSize:    100,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		DeadLetters:  dlq,
	})
	t.Cleanup(database.Close)
	return database
}

func TestBuildRecord(t *testing.T) {
	record := createTestRecord(memory.DefaultAllocator)
	defer record.Release()

	assert.Equal(t, int64(3), record.NumRows())
	assert.True(t, record.Schema().Equal(db.Schema))

	cols, err := db.ColumnsOf(record)
	require.NoError(t, err)
	assert.Equal(t, "1", cols.CustomerID.Value(0))
	assert.Equal(t, day("2023-06-02"), cols.Time(1))
	assert.Equal(t, "Product B", cols.ProductAt(1))
	assert.Equal(t, "", cols.ProductAt(2))
}

func TestValidateSchema(t *testing.T) {
	t.Run("canonical", func(t *testing.T) {
		assert.NoError(t, db.ValidateSchema(db.Schema))
	})

	t.Run("missing column", func(t *testing.T) {
		s := arrow.NewSchema([]arrow.Field{
			{Name: db.ColCustomerID, Type: arrow.BinaryTypes.String},
			{Name: db.ColOrderID, Type: arrow.BinaryTypes.String},
			{Name: db.ColPurchaseDate, Type: arrow.FixedWidthTypes.Timestamp_s},
		}, nil)
		err := db.ValidateSchema(s)
		assert.ErrorIs(t, err, db.ErrSchema)
		assert.Contains(t, err.Error(), db.ColTransactionAmount)
	})

	t.Run("wrong type", func(t *testing.T) {
		s := arrow.NewSchema([]arrow.Field{
			{Name: db.ColCustomerID, Type: arrow.BinaryTypes.String},
			{Name: db.ColOrderID, Type: arrow.BinaryTypes.String},
			{Name: db.ColPurchaseDate, Type: arrow.BinaryTypes.String},
			{Name: db.ColTransactionAmount, Type: arrow.PrimitiveTypes.Float64},
		}, nil)
		err := db.ValidateSchema(s)
		assert.ErrorIs(t, err, db.ErrSchema)
		assert.Contains(t, err.Error(), db.ColPurchaseDate)
	})

	t.Run("product column optional", func(t *testing.T) {
		s := arrow.NewSchema(db.Schema.Fields()[:4], nil)
		assert.NoError(t, db.ValidateSchema(s))
	})

	t.Run("millisecond timestamps accepted", func(t *testing.T) {
		fields := append([]arrow.Field(nil), db.Schema.Fields()...)
		fields[2].Type = arrow.FixedWidthTypes.Timestamp_ms
		assert.NoError(t, db.ValidateSchema(arrow.NewSchema(fields, nil)))
	})
}

func TestColumnsOfRejectsNulls(t *testing.T) {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, db.Schema)
	defer builder.Release()

	builder.Field(0).(*array.StringBuilder).AppendNull()
	builder.Field(1).(*array.StringBuilder).Append("o1")
	builder.Field(2).(*array.TimestampBuilder).Append(0)
	builder.Field(3).(*array.Float64Builder).Append(1)
	builder.Field(4).(*array.StringBuilder).AppendNull()

	record := builder.NewRecord()
	defer record.Release()

	_, err := db.ColumnsOf(record)
	assert.ErrorIs(t, err, db.ErrSchema)
}

func TestColumnsOfRejectsNonFiniteAmounts(t *testing.T) {
	for _, amount := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		record := db.BuildRecord(memory.DefaultAllocator, []db.Transaction{
			{CustomerID: "1", OrderID: "o1", PurchaseDate: day("2023-06-01"), Amount: 10},
			{CustomerID: "2", OrderID: "o2", PurchaseDate: day("2023-06-02"), Amount: amount},
		})
		_, err := db.ColumnsOf(record)
		assert.ErrorIs(t, err, db.ErrSchema, amount)
		record.Release()
	}
}

func nullCustomerRecord() arrow.Record {
	builder := array.NewRecordBuilder(memory.DefaultAllocator, db.Schema)
	defer builder.Release()
	builder.Field(0).(*array.StringBuilder).AppendNull()
	builder.Field(1).(*array.StringBuilder).Append("o1")
	builder.Field(2).(*array.TimestampBuilder).Append(0)
	builder.Field(3).(*array.Float64Builder).Append(1)
	builder.Field(4).(*array.StringBuilder).AppendNull()
	return builder.NewRecord()
}

func TestDBIngestRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	database := newTestDB(t, nil)

	nulls := nullCustomerRecord()
	defer nulls.Release()
	assert.ErrorIs(t, database.Ingest(nulls), db.ErrSchema)

	nan := db.BuildRecord(memory.DefaultAllocator, []db.Transaction{
		{CustomerID: "1", OrderID: "o1", PurchaseDate: day("2023-06-01"), Amount: math.NaN()},
	})
	defer nan.Release()
	assert.ErrorIs(t, database.Ingest(nan), db.ErrSchema)

	assert.Equal(t, int64(0), database.NumRows())
	records := database.Records()
	defer db.ReleaseAll(records)
	assert.Empty(t, records)
}

func TestDBAsyncIngestDeadLettersNulls(t *testing.T) {
	t.Parallel()

	dlq := &db.MemoryDLQ{}
	defer dlq.Release()
	database := newTestDB(t, dlq)

	nulls := nullCustomerRecord()
	defer nulls.Release()
	database.AsyncIngest(nulls)
	database.WaitForBatch()

	assert.Equal(t, 1, dlq.Len())
	assert.Equal(t, int64(0), database.NumRows())
}

func TestDBIngest(t *testing.T) {
	t.Parallel()

	database := newTestDB(t, nil)

	record := createTestRecord(memory.DefaultAllocator)
	defer record.Release()

	require.NoError(t, database.Ingest(record))

	assert.Equal(t, int64(3), database.NumRows())
	assert.Equal(t, 2, database.NumCustomers())

	records := database.Records()
	defer db.ReleaseAll(records)
	assert.Len(t, records, 1)
}

func TestDBIngestRejectsBadSchema(t *testing.T) {
	t.Parallel()

	database := newTestDB(t, nil)

	s := arrow.NewSchema([]arrow.Field{{Name: "user_id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, s)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	record := b.NewRecord()
	defer record.Release()

	err := database.Ingest(record)
	assert.ErrorIs(t, err, db.ErrSchema)
	assert.Equal(t, int64(0), database.NumRows())
}

func TestDBAsyncIngest(t *testing.T) {
	t.Parallel()

	dlq := &db.MemoryDLQ{}
	defer dlq.Release()
	database := newTestDB(t, dlq)

	record := createTestRecord(memory.DefaultAllocator)
	defer record.Release()

	database.AsyncIngest(record)
	database.WaitForBatch() // Wait for batch processing

	assert.Equal(t, int64(3), database.NumRows())
	assert.Equal(t, 0, dlq.Len())
}

func TestDBAsyncIngestDeadLetters(t *testing.T) {
	t.Parallel()

	dlq := &db.MemoryDLQ{}
	defer dlq.Release()
	database := newTestDB(t, dlq)

	s := arrow.NewSchema([]arrow.Field{{Name: "user_id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, s)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(7)
	bad := b.NewRecord()
	defer bad.Release()

	database.AsyncIngest(bad)
	database.WaitForBatch()

	assert.Equal(t, 1, dlq.Len())
	assert.Equal(t, int64(0), database.NumRows())
}

func TestDBAsyncIngestDeadLetterFailure(t *testing.T) {
	t.Parallel()

	dlq := new(MockDLQ)
	dlq.On("Write", mock.Anything).Return(assert.AnError).Once()
	database := newTestDB(t, dlq)

	s := arrow.NewSchema([]arrow.Field{{Name: "customer_id", Type: arrow.BinaryTypes.String}}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, s)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("1")
	bad := b.NewRecord()
	defer bad.Release()

	database.AsyncIngest(bad)
	database.WaitForBatch()

	dlq.AssertExpectations(t)
	assert.Equal(t, int64(0), database.NumRows())

	// a failing dead letter queue does not stop valid batches
	good := createTestRecord(memory.DefaultAllocator)
	defer good.Release()
	database.AsyncIngest(good)
	database.WaitForBatch()
	assert.Equal(t, int64(3), database.NumRows())
}

func TestDBWaitForBatchDrainsEveryBatch(t *testing.T) {
	t.Parallel()

	database := db.NewDB(db.Settings{
		QueueSize:    100,
		BatchSize:    2,
		BatchTimeout: 50 * time.Millisecond,
	})
	t.Cleanup(database.Close)

	const n = 5
	for i := 0; i < n; i++ {
		record := createTestRecord(memory.DefaultAllocator)
		database.AsyncIngest(record)
		record.Release()
	}
	database.WaitForBatch()
	assert.Equal(t, int64(3*n), database.NumRows())

	// nothing pending returns at once
	database.WaitForBatch()
}

func TestTransactionsOf(t *testing.T) {
	database := newTestDB(t, nil)
	record := createTestRecord(memory.DefaultAllocator)
	defer record.Release()
	require.NoError(t, database.Ingest(record))

	records := database.QueryByCustomer("1")
	defer db.ReleaseAll(records)
	txns, err := db.TransactionsOf(records, "1")
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, "o1", txns[0].OrderID)
	assert.Equal(t, "Product A", txns[0].Product)
	assert.Equal(t, day("2023-06-03"), txns[1].PurchaseDate)
	assert.Equal(t, 300.0, txns[1].Amount)

	none, err := db.TransactionsOf(records, "404")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDBQueryByCustomer(t *testing.T) {
	t.Parallel()

	database := newTestDB(t, nil)

	first := createTestRecord(memory.DefaultAllocator)
	defer first.Release()
	second := db.BuildRecord(memory.DefaultAllocator, []db.Transaction{
		{CustomerID: "3", OrderID: "o9", PurchaseDate: day("2023-06-05"), Amount: 10},
	})
	defer second.Release()

	require.NoError(t, database.Ingest(first))
	require.NoError(t, database.Ingest(second))

	records := database.QueryByCustomer("1")
	defer db.ReleaseAll(records)
	assert.Len(t, records, 1, "Expected 1 record for customer 1")

	records3 := database.QueryByCustomer("3")
	defer db.ReleaseAll(records3)
	assert.Len(t, records3, 1)

	assert.Empty(t, database.QueryByCustomer("missing"))
}

func TestDBResetAndClose(t *testing.T) {
	database := db.NewDB(db.DefaultSettings())

	record := createTestRecord(memory.DefaultAllocator)
	defer record.Release()
	require.NoError(t, database.Ingest(record))

	database.Reset()
	assert.Equal(t, int64(0), database.NumRows())
	assert.Equal(t, 0, database.NumCustomers())

	database.Close()
	database.Close()

	// Ingest after close is dropped rather than panicking.
	database.AsyncIngest(record)
	assert.Equal(t, int64(0), database.NumRows())
}
