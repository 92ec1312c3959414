// Package db implements an in‐memory table of transaction records backed by
// Apache Arrow.
package db

import (
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------
// Prometheus Metrics
// ---------------------------------------------------------------------

var (
	ingestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "rfm_ingest_latency_seconds",
		Help: "Ingest operation latency distribution",
	})
	queryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "rfm_customer_query_latency_seconds",
		Help: "Per-customer lookup latency distribution",
	})
	ingestedRows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfm_ingested_rows_total",
		Help: "Transaction rows accepted into the table",
	})
	rejectedRecords = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfm_rejected_records_total",
		Help: "Record batches rejected by schema validation",
	})
)

func init() {
	// Register Prometheus metrics.
	prometheus.MustRegister(ingestLatency, queryLatency, ingestedRows, rejectedRecords)
}

// ---------------------------------------------------------------------
// Dead letters
// ---------------------------------------------------------------------

// DeadLetterQueue receives record batches that failed asynchronous ingestion.
type DeadLetterQueue interface {
	Write(arrow.Record) error
}

// MemoryDLQ keeps rejected records in memory.
type MemoryDLQ struct {
	mu      sync.Mutex
	records []arrow.Record
}

// Write retains rec and stores it.
func (q *MemoryDLQ) Write(rec arrow.Record) error {
	rec.Retain()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return nil
}

// Len returns the number of stored records.
func (q *MemoryDLQ) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// Release drops every stored record.
func (q *MemoryDLQ) Release() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range q.records {
		rec.Release()
	}
	q.records = nil
}

// ---------------------------------------------------------------------
// DB: The transaction table
// ---------------------------------------------------------------------

// Settings configures a DB.
type Settings struct {
	// QueueSize bounds the asynchronous ingestion queue.
	QueueSize int
	// BatchSize is the number of queued records ingested together.
	BatchSize int
	// BatchTimeout flushes a partial batch.
	BatchTimeout time.Duration
	// DeadLetters receives records rejected by the async worker. Optional.
	DeadLetters DeadLetterQueue
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultSettings returns settings suited to interactive use.
func DefaultSettings() Settings {
	return Settings{
		QueueSize:    100,
		BatchSize:    100,
		BatchTimeout: 100 * time.Millisecond,
	}
}

// DB holds ingested transaction batches. Every stored record conforms to
// ColumnsOf; readers get retained snapshots so a computation never
// observes a concurrent ingest halfway through.
type DB struct {
	mu        sync.RWMutex
	records   []arrow.Record
	rows      int64
	customers map[string]*roaring.Bitmap // customer_id -> record positions

	qmu    sync.RWMutex
	queue  chan arrow.Record
	closed bool

	settings    Settings
	logger      *zap.Logger
	workerReady chan struct{}
	workerDone  chan struct{}

	// pending counts queued records not yet stored or dead-lettered.
	pmu     sync.Mutex
	pending int
	settled *sync.Cond
}

// NewDB initializes a new DB instance and starts its ingestion worker.
func NewDB(settings Settings) *DB {
	defaults := DefaultSettings()
	if settings.QueueSize <= 0 {
		settings.QueueSize = defaults.QueueSize
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = defaults.BatchSize
	}
	if settings.BatchTimeout <= 0 {
		settings.BatchTimeout = defaults.BatchTimeout
	}
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db := &DB{
		records:     make([]arrow.Record, 0),
		customers:   make(map[string]*roaring.Bitmap),
		queue:       make(chan arrow.Record, settings.QueueSize),
		settings:    settings,
		logger:      logger,
		workerReady: make(chan struct{}),
		workerDone:  make(chan struct{}),
	}
	db.settled = sync.NewCond(&db.pmu)

	go db.worker()

	<-db.workerReady
	return db
}

// worker continuously ingests queued records in batches.
func (db *DB) worker() {
	close(db.workerReady)
	defer close(db.workerDone)

	batch := make([]arrow.Record, 0, db.settings.BatchSize)
	ticker := time.NewTicker(db.settings.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case record, ok := <-db.queue:
			if !ok {
				if len(batch) > 0 {
					db.bulkIngest(batch)
				}
				return
			}
			batch = append(batch, record)
			if len(batch) >= db.settings.BatchSize {
				db.bulkIngest(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				db.bulkIngest(batch)
				batch = batch[:0]
			}
		}
	}
}

// bulkIngest stores a batch of queued records. The queue holds one reference
// per record, which is handed to the table or dropped.
func (db *DB) bulkIngest(records []arrow.Record) {
	start := time.Now()

	type checked struct {
		rec  arrow.Record
		cols Columns
	}
	accepted := make([]checked, 0, len(records))
	for _, rec := range records {
		cols, err := ColumnsOf(rec)
		if err != nil {
			db.reject(rec, err)
			rec.Release()
			continue
		}
		accepted = append(accepted, checked{rec, cols})
	}

	db.mu.Lock()
	for _, c := range accepted {
		db.ingestRecord(c.rec, c.cols)
	}
	db.mu.Unlock()

	ingestLatency.Observe(time.Since(start).Seconds())
	db.settle(len(records))
}

// settle marks n queued records as handled.
func (db *DB) settle(n int) {
	db.pmu.Lock()
	db.pending -= n
	if db.pending == 0 {
		db.settled.Broadcast()
	}
	db.pmu.Unlock()
}

func (db *DB) reject(rec arrow.Record, err error) {
	rejectedRecords.Inc()
	db.logger.Warn("rejected record batch", zap.Int64("rows", rec.NumRows()), zap.Error(err))
	if db.settings.DeadLetters == nil {
		return
	}
	if dlqErr := db.settings.DeadLetters.Write(rec); dlqErr != nil {
		db.logger.Error("dead letter write failed", zap.Error(dlqErr))
	}
}

// ingestRecord appends an already retained and checked record and indexes
// its customers. Callers hold db.mu.
func (db *DB) ingestRecord(record arrow.Record, cols Columns) {
	pos := uint32(len(db.records))
	db.records = append(db.records, record)
	db.rows += record.NumRows()
	ingestedRows.Add(float64(record.NumRows()))

	for i := 0; i < cols.CustomerID.Len(); i++ {
		id := cols.CustomerID.Value(i)
		bm, ok := db.customers[id]
		if !ok {
			bm = roaring.New()
			db.customers[id] = bm
		}
		bm.Add(pos)
	}
}

// Ingest validates and stores record synchronously. A record with a wrong
// schema, nulls in a required column or a non-finite amount is rejected
// whole. The DB retains its own reference; the caller keeps ownership of
// theirs.
func (db *DB) Ingest(record arrow.Record) error {
	start := time.Now()
	cols, err := ColumnsOf(record)
	if err != nil {
		rejectedRecords.Inc()
		return fmt.Errorf("ingest: %w", err)
	}
	record.Retain()

	db.mu.Lock()
	db.ingestRecord(record, cols)
	db.mu.Unlock()

	ingestLatency.Observe(time.Since(start).Seconds())
	return nil
}

// AsyncIngest enqueues a record for asynchronous ingestion. Records failing
// validation go to the dead letter queue. Calls after Close are dropped.
func (db *DB) AsyncIngest(record arrow.Record) {
	db.qmu.RLock()
	defer db.qmu.RUnlock()
	if db.closed {
		db.logger.Warn("ingest after close dropped", zap.Int64("rows", record.NumRows()))
		return
	}

	record.Retain()
	db.pmu.Lock()
	db.pending++
	db.pmu.Unlock()
	select {
	case db.queue <- record:
	default:
		defer db.settle(1)
		// Fallback to synchronous ingestion if the queue is full.
		cols, err := ColumnsOf(record)
		if err != nil {
			db.reject(record, err)
			record.Release()
			return
		}
		db.mu.Lock()
		db.ingestRecord(record, cols)
		db.mu.Unlock()
	}
}

// WaitForBatch blocks until every record passed to AsyncIngest so far has
// been stored or sent to the dead letter queue.
func (db *DB) WaitForBatch() {
	db.pmu.Lock()
	defer db.pmu.Unlock()
	for db.pending > 0 {
		db.settled.Wait()
	}
}

// QueryByCustomer returns retained records containing rows for customerID.
// The caller must release them.
func (db *DB) QueryByCustomer(customerID string) []arrow.Record {
	start := time.Now()
	db.mu.RLock()
	defer db.mu.RUnlock()

	bm, ok := db.customers[customerID]
	if !ok {
		queryLatency.Observe(time.Since(start).Seconds())
		return nil
	}
	out := make([]arrow.Record, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		rec := db.records[it.Next()]
		rec.Retain()
		out = append(out, rec)
	}
	queryLatency.Observe(time.Since(start).Seconds())
	return out
}

// Records returns a retained snapshot of every stored record. The caller must
// release them, e.g. with ReleaseAll.
func (db *DB) Records() []arrow.Record {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]arrow.Record, len(db.records))
	for i, rec := range db.records {
		rec.Retain()
		out[i] = rec
	}
	return out
}

// GetSchema returns the table schema.
func (db *DB) GetSchema() *arrow.Schema {
	return Schema
}

// NumRows returns the number of stored transaction rows.
func (db *DB) NumRows() int64 {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.rows
}

// NumCustomers returns the number of distinct customers seen.
func (db *DB) NumCustomers() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.customers)
}

// Reset drops every stored record.
func (db *DB) Reset() {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, record := range db.records {
		record.Release()
	}
	db.records = make([]arrow.Record, 0)
	db.customers = make(map[string]*roaring.Bitmap)
	db.rows = 0
}

// Close stops the ingestion worker after it drains the queue and releases
// all stored records.
func (db *DB) Close() {
	db.qmu.Lock()
	if db.closed {
		db.qmu.Unlock()
		return
	}
	db.closed = true
	close(db.queue)
	db.qmu.Unlock()

	<-db.workerDone
	db.Reset()
}

// ReleaseAll releases every record in recs.
func ReleaseAll(recs []arrow.Record) {
	for _, rec := range recs {
		rec.Release()
	}
}
