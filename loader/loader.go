// Package loader reads transaction tables from local files, Google Cloud
// Storage and Postgres and normalizes them to db.Schema.
package loader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	arrowcsv "github.com/apache/arrow-go/v18/arrow/csv"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/TFMV/rfm/db"
)

// ErrUnsupportedSource is returned for a URI no reader handles.
var ErrUnsupportedSource = errors.New("unsupported source")

// DefaultPostgresQuery selects the transactions table with the column types
// Normalize expects.
const DefaultPostgresQuery = `SELECT customer_id::text, order_id::text, purchase_date,
	transaction_amount::float8, product_information FROM transactions`

var (
	loadLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "rfm_load_latency_seconds",
		Help: "Source load latency by source kind",
	}, []string{"kind"})
	loadedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rfm_loaded_rows_total",
		Help: "Transactions loaded by source kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(loadLatency, loadedRows)
}

// Kind identifies a source format.
type Kind string

const (
	KindCSV      Kind = "csv"
	KindParquet  Kind = "parquet"
	KindIPC      Kind = "ipc"
	KindGCS      Kind = "gcs"
	KindPostgres Kind = "postgres"
)

// KindOf classifies uri by scheme, then by file extension.
func KindOf(uri string) (Kind, error) {
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "gs://"):
		return KindGCS, nil
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return KindPostgres, nil
	case strings.Contains(lower, "://"):
		return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, redact(uri))
	}
	return kindOfFile(lower)
}

func kindOfFile(name string) (Kind, error) {
	switch filepath.Ext(strings.ToLower(name)) {
	case ".csv":
		return KindCSV, nil
	case ".parquet", ".pq":
		return KindParquet, nil
	case ".arrow", ".ipc", ".feather":
		return KindIPC, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedSource, name)
}

// Options configure a Loader.
type Options struct {
	Logger    *zap.Logger
	Allocator memory.Allocator
	// GCSCredentialsFile is a service account key; empty uses ambient
	// credentials.
	GCSCredentialsFile string
	// PostgresQuery overrides DefaultPostgresQuery.
	PostgresQuery string
	// BreakerTimeout is how long the remote-source breaker stays open.
	BreakerTimeout time.Duration
	// BreakerFailures is the number of consecutive remote failures that
	// open the breaker.
	BreakerFailures uint32
}

// Loader reads sources into normalized transaction records.
type Loader struct {
	logger  *zap.Logger
	mem     memory.Allocator
	gcsOpts []option.ClientOption
	pgQuery string
	breaker *gobreaker.CircuitBreaker[[]arrow.Record]
}

// New builds a Loader.
func New(opts Options) *Loader {
	l := &Loader{
		logger:  opts.Logger,
		mem:     opts.Allocator,
		pgQuery: opts.PostgresQuery,
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	if l.mem == nil {
		l.mem = db.Pool
	}
	if l.pgQuery == "" {
		l.pgQuery = DefaultPostgresQuery
	}
	if opts.GCSCredentialsFile != "" {
		l.gcsOpts = append(l.gcsOpts, option.WithCredentialsFile(opts.GCSCredentialsFile))
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	l.breaker = gobreaker.NewCircuitBreaker[[]arrow.Record](gobreaker.Settings{
		Name:    "rfm-remote-source",
		Timeout: timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// Bad data is not an outage.
			return err == nil || errors.Is(err, db.ErrSchema)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return l
}

// Load reads uri. The caller releases the returned records.
func (l *Loader) Load(ctx context.Context, uri string) ([]arrow.Record, error) {
	kind, err := KindOf(uri)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	var recs []arrow.Record
	switch kind {
	case KindGCS:
		recs, err = l.breaker.Execute(func() ([]arrow.Record, error) { return l.readGCS(ctx, uri) })
	case KindPostgres:
		recs, err = l.breaker.Execute(func() ([]arrow.Record, error) { return l.readPostgres(ctx, uri) })
	default:
		recs, err = l.readFile(ctx, kind, uri)
	}
	if err != nil {
		l.logger.Error("load failed", zap.String("source", redact(uri)), zap.Error(err))
		return nil, fmt.Errorf("load %s: %w", redact(uri), err)
	}

	rows := countRows(recs)
	loadLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	loadedRows.WithLabelValues(string(kind)).Add(float64(rows))
	l.logger.Info("source loaded",
		zap.String("source", redact(uri)),
		zap.String("kind", string(kind)),
		zap.Int("records", len(recs)),
		zap.Int64("rows", rows),
		zap.Duration("elapsed", time.Since(start)))
	return recs, nil
}

func (l *Loader) readFile(ctx context.Context, kind Kind, path string) ([]arrow.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %q: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	return l.read(ctx, kind, f)
}

// read dispatches a seekable body to the reader for kind.
func (l *Loader) read(ctx context.Context, kind Kind, r io.ReadSeeker) ([]arrow.Record, error) {
	switch kind {
	case KindCSV:
		return ReadCSV(r, l.mem)
	case KindParquet:
		ras, ok := r.(parquet.ReaderAtSeeker)
		if !ok {
			return nil, fmt.Errorf("%w: parquet needs random access", ErrUnsupportedSource)
		}
		return ReadParquet(ctx, ras, l.mem)
	case KindIPC:
		ras, ok := r.(ipc.ReadAtSeeker)
		if !ok {
			return nil, fmt.Errorf("%w: ipc needs random access", ErrUnsupportedSource)
		}
		return ReadIPC(ras, l.mem)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, kind)
}

// ReadCSV reads a CSV with a header row. Required columns are checked
// against the header before any row is parsed. Amounts must parse as
// numbers and dates as one of DateLayouts; anything else is db.ErrSchema.
func ReadCSV(r io.Reader, mem memory.Allocator) ([]arrow.Record, error) {
	br := bufio.NewReader(r)
	headerLine, err := br.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && headerLine != "") {
		return nil, fmt.Errorf("%w: missing header row", db.ErrSchema)
	}
	header, err := csv.NewReader(strings.NewReader(headerLine)).Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", db.ErrSchema, err)
	}
	pos, err := resolve(header)
	if err != nil {
		return nil, err
	}

	fields := make([]arrow.Field, len(header))
	for i, name := range header {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	fields[pos[db.ColTransactionAmount]].Type = arrow.PrimitiveTypes.Float64
	schema := arrow.NewSchema(fields, nil)

	cr := arrowcsv.NewReader(io.MultiReader(strings.NewReader(headerLine), br), schema,
		arrowcsv.WithHeader(true),
		arrowcsv.WithChunk(64*1024),
		arrowcsv.WithAllocator(mem),
		arrowcsv.WithNullReader(true, ""),
	)
	defer cr.Release()

	var out []arrow.Record
	for cr.Next() {
		rec, err := Normalize(cr.Record(), mem)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, rec)
	}
	if err := cr.Err(); err != nil {
		releaseAll(out)
		return nil, fmt.Errorf("%w: %v", db.ErrSchema, err)
	}
	return out, nil
}

// ReadParquet reads a Parquet file.
func ReadParquet(ctx context.Context, r parquet.ReaderAtSeeker, mem memory.Allocator) ([]arrow.Record, error) {
	tbl, err := pqarrow.ReadTable(ctx, r, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet: %w", err)
	}
	defer tbl.Release()

	tr := array.NewTableReader(tbl, 64*1024)
	defer tr.Release()

	var out []arrow.Record
	for tr.Next() {
		rec, err := Normalize(tr.Record(), mem)
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ReadIPC reads an Arrow IPC file.
func ReadIPC(r ipc.ReadAtSeeker, mem memory.Allocator) ([]arrow.Record, error) {
	reader, err := ipc.NewFileReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("failed to create Arrow file reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	out := make([]arrow.Record, 0, reader.NumRecords())
	for i := 0; i < reader.NumRecords(); i++ {
		rec, err := reader.RecordAt(i)
		if err != nil {
			releaseAll(out)
			return nil, fmt.Errorf("failed to read record %d from file: %w", i, err)
		}
		norm, err := Normalize(rec, mem)
		rec.Release()
		if err != nil {
			releaseAll(out)
			return nil, err
		}
		out = append(out, norm)
	}
	return out, nil
}

func (l *Loader) readGCS(ctx context.Context, uri string) ([]arrow.Record, error) {
	bucket, object, err := splitGCS(uri)
	if err != nil {
		return nil, err
	}
	kind, err := kindOfFile(object)
	if err != nil {
		return nil, err
	}

	client, err := gcs.NewClient(ctx, l.gcsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	defer func() {
		_ = client.Close()
	}()

	rc, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open gs://%s/%s: %w", bucket, object, err)
	}
	defer func() {
		_ = rc.Close()
	}()
	body, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", bucket, object, err)
	}
	return l.read(ctx, kind, bytes.NewReader(body))
}

func splitGCS(uri string) (bucket, object string, err error) {
	rest := uri[len("gs://"):]
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: malformed GCS uri %q", ErrUnsupportedSource, uri)
	}
	return bucket, object, nil
}

func (l *Loader) readPostgres(ctx context.Context, dsn string) ([]arrow.Record, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	rows, err := pool.Query(ctx, l.pgQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []db.Transaction
	for rows.Next() {
		var (
			t       db.Transaction
			product *string
		)
		if err := rows.Scan(&t.CustomerID, &t.OrderID, &t.PurchaseDate, &t.Amount, &product); err != nil {
			return nil, fmt.Errorf("%w: %v", db.ErrSchema, err)
		}
		t.PurchaseDate = t.PurchaseDate.UTC()
		if product != nil {
			t.Product = *product
		}
		txns = append(txns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return []arrow.Record{db.BuildRecord(l.mem, txns)}, nil
}

// redact hides credentials in a DSN.
func redact(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://***@" + rest[at+1:]
	}
	return uri
}

func countRows(recs []arrow.Record) int64 {
	var n int64
	for _, r := range recs {
		n += r.NumRows()
	}
	return n
}

func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}
