// Package rfm turns a transaction table into per-customer Recency,
// Frequency and Monetary scores and named segments.
//
// A run is a pure function of its input records and Config: no state
// survives between runs, so independent requests may run concurrently.
package rfm

import (
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TFMV/rfm/db"
)

var (
	pipelineLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "rfm_pipeline_latency_seconds",
		Help: "End-to-end RFM computation latency distribution",
	})
	customersScored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rfm_customers_scored_total",
		Help: "Customers scored across all runs",
	})
	pipelineFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rfm_pipeline_failures_total",
		Help: "Failed RFM runs by reason",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(pipelineLatency, customersScored, pipelineFailures)
}

// Result is the output of one run.
type Result struct {
	RunID         string
	ReferenceDate time.Time
	Ladder        Ladder
	Customers     []CustomerRFM
}

// Pipeline runs Aggregate then Score with a fixed Config.
type Pipeline struct {
	cfg    Config
	logger *zap.Logger
}

// NewPipeline validates cfg. A nil logger disables logging.
func NewPipeline(cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, logger: logger}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run computes the scored customer table for records. It is all-or-nothing:
// any schema or scoring error aborts the run without a partial result.
func (p *Pipeline) Run(records []arrow.Record) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()

	rows, err := Aggregate(records, p.cfg.ReferenceDate)
	if err != nil {
		p.fail(runID, "schema", err)
		return nil, err
	}
	scored, err := Score(rows, p.cfg)
	if err != nil {
		p.fail(runID, failureReason(err), err)
		return nil, err
	}

	elapsed := time.Since(start)
	pipelineLatency.Observe(elapsed.Seconds())
	customersScored.Add(float64(len(scored)))
	p.logger.Info("rfm run complete",
		zap.String("run_id", runID),
		zap.Time("reference_date", p.cfg.ReferenceDate),
		zap.Int("customers", len(scored)),
		zap.Duration("elapsed", elapsed))

	return &Result{
		RunID:         runID,
		ReferenceDate: p.cfg.ReferenceDate,
		Ladder:        p.cfg.Ladder,
		Customers:     scored,
	}, nil
}

func (p *Pipeline) fail(runID, reason string, err error) {
	pipelineFailures.WithLabelValues(reason).Inc()
	p.logger.Warn("rfm run failed", zap.String("run_id", runID), zap.String("reason", reason), zap.Error(err))
}

func failureReason(err error) string {
	var dim *DimensionError
	if errors.As(err, &dim) {
		return "insufficient_" + dim.Dimension
	}
	if errors.Is(err, ErrInvalidConfig) {
		return "config"
	}
	return "other"
}

// Compute is a one-shot Pipeline run without logging.
func Compute(records []arrow.Record, cfg Config) (*Result, error) {
	p, err := NewPipeline(cfg, nil)
	if err != nil {
		return nil, err
	}
	return p.Run(records)
}

// ---------------------------------------------------------------------
// Arrow view of the result table
// ---------------------------------------------------------------------

// ResultSchema is the Arrow schema of a scored customer table.
var ResultSchema = arrow.NewSchema([]arrow.Field{
	{Name: "customer_id", Type: arrow.BinaryTypes.String},
	{Name: "recency", Type: arrow.PrimitiveTypes.Int64},
	{Name: "frequency", Type: arrow.PrimitiveTypes.Int64},
	{Name: "monetary", Type: arrow.PrimitiveTypes.Float64},
	{Name: "r_score", Type: arrow.PrimitiveTypes.Int8},
	{Name: "f_score", Type: arrow.PrimitiveTypes.Int8},
	{Name: "m_score", Type: arrow.PrimitiveTypes.Int8},
	{Name: "rfm_score", Type: arrow.PrimitiveTypes.Int8},
	{Name: "rfm_code", Type: arrow.BinaryTypes.String},
	{Name: "segment", Type: arrow.BinaryTypes.String},
}, nil)

// Record builds an Arrow record of the scored customers. The caller owns it.
func (r *Result) Record(mem memory.Allocator) arrow.Record {
	if mem == nil {
		mem = db.Pool
	}
	builder := array.NewRecordBuilder(mem, ResultSchema)
	defer builder.Release()

	ids := builder.Field(0).(*array.StringBuilder)
	recency := builder.Field(1).(*array.Int64Builder)
	frequency := builder.Field(2).(*array.Int64Builder)
	monetary := builder.Field(3).(*array.Float64Builder)
	rs := builder.Field(4).(*array.Int8Builder)
	fs := builder.Field(5).(*array.Int8Builder)
	ms := builder.Field(6).(*array.Int8Builder)
	score := builder.Field(7).(*array.Int8Builder)
	code := builder.Field(8).(*array.StringBuilder)
	segment := builder.Field(9).(*array.StringBuilder)

	for _, c := range r.Customers {
		ids.Append(c.CustomerID)
		recency.Append(int64(c.Recency))
		frequency.Append(int64(c.Frequency))
		monetary.Append(c.Monetary.InexactFloat64())
		rs.Append(int8(c.RScore))
		fs.Append(int8(c.FScore))
		ms.Append(int8(c.MScore))
		score.Append(int8(c.Score))
		code.Append(c.Code())
		segment.Append(c.Segment)
	}
	return builder.NewRecord()
}

// Find returns the row for customerID.
func (r *Result) Find(customerID string) (CustomerRFM, bool) {
	for _, c := range r.Customers {
		if c.CustomerID == customerID {
			return c, true
		}
	}
	return CustomerRFM{}, false
}

// String summarizes the result for logs.
func (r *Result) String() string {
	return fmt.Sprintf("rfm run %s: %d customers as of %s",
		r.RunID, len(r.Customers), r.ReferenceDate.Format("2006-01-02"))
}
