package flight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/rfm/auth"
	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/loader"
	"github.com/TFMV/rfm/report"
	"github.com/TFMV/rfm/rfm"
)

// UserHeader is the grpc metadata key carrying the caller's username.
const UserHeader = "x-user"

// Views a DoGet ticket may ask for.
const (
	ViewCustomers = "customers"
	ViewSegments  = "segments"
)

// Ticket selects what DoGet computes. Every field is optional.
type Ticket struct {
	ReferenceDate string `json:"reference_date,omitempty"`
	View          string `json:"view,omitempty"`
}

// SegmentSchema is the layout of the segments view.
var SegmentSchema = arrow.NewSchema([]arrow.Field{
	{Name: "segment", Type: arrow.BinaryTypes.String},
	{Name: "customers", Type: arrow.PrimitiveTypes.Int64},
	{Name: "avg_recency", Type: arrow.PrimitiveTypes.Float64},
	{Name: "avg_frequency", Type: arrow.PrimitiveTypes.Float64},
	{Name: "avg_monetary", Type: arrow.PrimitiveTypes.Float64},
	{Name: "total_revenue", Type: arrow.PrimitiveTypes.Float64},
	{Name: "revenue_share_pct", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// Options configures a Service.
type Options struct {
	// Config is the base RFM configuration; a ticket may override its
	// reference date for one request. Zero means rfm.DefaultConfig().
	Config rfm.Config
	// Roles, when set, requires DoPut callers to hold auth.RoleIngester
	// and DoGet callers auth.RoleAnalyst.
	Roles  auth.RoleManager
	Logger *zap.Logger
}

// Service is an Arrow Flight server. DoPut ingests transaction batches and
// DoGet scores a snapshot of everything ingested so far.
type Service struct {
	flight.BaseFlightServer
	db     *db.DB
	cfg    rfm.Config
	roles  auth.RoleManager
	logger *zap.Logger
	mem    memory.Allocator
}

func NewService(database *db.DB, opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg.Quantiles == 0 {
		cfg = rfm.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     database,
		cfg:    cfg,
		roles:  opts.Roles,
		logger: logger,
		mem:    db.Pool,
	}, nil
}

// NewServer returns a Flight server bound to addr with svc registered.
// The caller runs Serve and Shutdown.
func NewServer(svc *Service, addr string) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return srv, nil
}

// authorize returns the caller named in the request metadata, or
// PermissionDenied when roles are configured and the caller lacks role.
func (s *Service) authorize(ctx context.Context, role string) (string, error) {
	user := userFrom(ctx)
	if s.roles != nil && !s.roles.HasRole(user, role) {
		return user, status.Errorf(codes.PermissionDenied, "user %q lacks role %q", user, role)
	}
	return user, nil
}

func (s *Service) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if _, err := s.authorize(stream.Context(), auth.RoleAnalyst); err != nil {
		return err
	}
	t, cfg, err := s.decodeTicket(ticket.GetTicket())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
	}

	records := s.db.Records()
	defer db.ReleaseAll(records)

	pipeline, err := rfm.NewPipeline(cfg, s.logger)
	if err != nil {
		return toStatus(err)
	}
	res, err := pipeline.Run(records)
	if err != nil {
		return toStatus(err)
	}

	var out arrow.Record
	switch t.View {
	case ViewSegments:
		out = segmentsRecord(s.mem, report.SegmentPerformance(res))
	default:
		out = res.Record(s.mem)
	}
	defer out.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.mem))
	defer writer.Close()

	if err := writer.Write(out); err != nil {
		return status.Errorf(codes.Internal, "failed to write record: %v", err)
	}
	return nil
}

func (s *Service) DoPut(stream flight.FlightService_DoPutServer) error {
	user, err := s.authorize(stream.Context(), auth.RoleIngester)
	if err != nil {
		return err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.mem))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to create reader: %v", err)
	}
	defer reader.Release()

	// Normalize the whole stream before ingesting so a bad batch leaves
	// the table untouched.
	var batches []arrow.Record
	defer func() { db.ReleaseAll(batches) }()
	for reader.Next() {
		norm, err := loader.Normalize(reader.Record(), s.mem)
		if err != nil {
			return toStatus(err)
		}
		batches = append(batches, norm)
	}
	if err := reader.Err(); err != nil {
		return status.Errorf(codes.Internal, "stream error: %v", err)
	}

	var totalRows int64
	for _, rec := range batches {
		if err := s.db.Ingest(rec); err != nil {
			return toStatus(err)
		}
		totalRows += rec.NumRows()
	}
	s.logger.Info("flight ingest",
		zap.String("user", user),
		zap.Int("batches", len(batches)),
		zap.Int64("rows", totalRows))

	meta, err := json.Marshal(putAck{Rows: totalRows})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode ack: %v", err)
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

type putAck struct {
	Rows int64 `json:"rows"`
}

func (s *Service) decodeTicket(data []byte) (Ticket, rfm.Config, error) {
	var t Ticket
	cfg := s.cfg
	if len(data) > 0 {
		if err := json.Unmarshal(data, &t); err != nil {
			return t, cfg, err
		}
	}
	switch t.View {
	case "":
		t.View = ViewCustomers
	case ViewCustomers, ViewSegments:
	default:
		return t, cfg, fmt.Errorf("unknown view %q", t.View)
	}
	if t.ReferenceDate != "" {
		ref, err := time.ParseInLocation("2006-01-02", t.ReferenceDate, time.UTC)
		if err != nil {
			return t, cfg, fmt.Errorf("reference_date: %w", err)
		}
		cfg = cfg.WithReferenceDate(ref)
	}
	return t, cfg, nil
}

func userFrom(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(UserHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, db.ErrSchema),
		errors.Is(err, rfm.ErrInsufficientDistinctValues),
		errors.Is(err, rfm.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func segmentsRecord(mem memory.Allocator, stats []report.SegmentStats) arrow.Record {
	b := array.NewRecordBuilder(mem, SegmentSchema)
	defer b.Release()

	for _, st := range stats {
		b.Field(0).(*array.StringBuilder).Append(st.Segment)
		b.Field(1).(*array.Int64Builder).Append(int64(st.Customers))
		b.Field(2).(*array.Float64Builder).Append(st.AvgRecency)
		b.Field(3).(*array.Float64Builder).Append(st.AvgFrequency)
		b.Field(4).(*array.Float64Builder).Append(st.AvgMonetary.InexactFloat64())
		b.Field(5).(*array.Float64Builder).Append(st.TotalRevenue.InexactFloat64())
		b.Field(6).(*array.Float64Builder).Append(st.RevenueShare)
	}
	return b.NewRecord()
}
