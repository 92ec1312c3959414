package server

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/loader"
	"github.com/TFMV/rfm/report"
	"github.com/TFMV/rfm/rfm"
	"github.com/TFMV/rfm/storage"
)

// customerView adds the R/F/M digit code to a scored row.
type customerView struct {
	rfm.CustomerRFM
	Code string `json:"rfm_code"`
}

func views(rows []rfm.CustomerRFM) []customerView {
	out := make([]customerView, len(rows))
	for i, c := range rows {
		out[i] = customerView{CustomerRFM: c, Code: c.Code()}
	}
	return out
}

// customerDetail is a scored row with the customer's transactions.
type customerDetail struct {
	customerView
	Transactions []db.Transaction `json:"transactions"`
}

type runInfo struct {
	RunID         string `json:"run_id"`
	ReferenceDate string `json:"reference_date"`
}

func infoOf(res *rfm.Result) runInfo {
	return runInfo{RunID: res.RunID, ReferenceDate: res.ReferenceDate.Format("2006-01-02")}
}

// intQuery reads a non-negative integer query parameter.
func intQuery(c fiber.Ctx, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return n, nil
}

// floatQuery reads a finite number query parameter.
func floatQuery(c fiber.Ctx, key string, def float64) (float64, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("%s must be a number", key))
	}
	return f, nil
}

func (s *Server) page(c fiber.Ctx) (offset, limit int, err error) {
	if offset, err = intQuery(c, "offset", 0); err != nil {
		return 0, 0, err
	}
	limit, err = intQuery(c, "limit", s.opts.PageSize)
	return offset, limit, err
}

// run scores records with the request's reference_date, if any.
func (s *Server) run(c fiber.Ctx, records []arrow.Record) (*rfm.Result, error) {
	cfg := s.opts.Config
	if v := c.Query("reference_date"); v != "" {
		ref, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			return nil, fiber.NewError(fiber.StatusBadRequest, "reference_date must be YYYY-MM-DD")
		}
		cfg = cfg.WithReferenceDate(ref)
	}
	pipeline, err := rfm.NewPipeline(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	return pipeline.Run(records)
}

// compute scores a snapshot of the table.
func (s *Server) compute(c fiber.Ctx) (*rfm.Result, error) {
	records := s.db.Records()
	defer db.ReleaseAll(records)
	return s.run(c, records)
}

func (s *Server) explore(c fiber.Ctx) (*report.Explorer, error) {
	res, err := s.compute(c)
	if err != nil {
		return nil, err
	}
	return report.NewExplorer(res, s.opts.Index)
}

func (s *Server) health(c fiber.Ctx) error {
	return ok(c, fiber.Map{
		"rows":      s.db.NumRows(),
		"customers": s.db.NumCustomers(),
	})
}

func (s *Server) listCustomers(c fiber.Ctx) error {
	offset, limit, err := s.page(c)
	if err != nil {
		return err
	}
	lo, err := floatQuery(c, "min_monetary", math.Inf(-1))
	if err != nil {
		return err
	}
	hi, err := floatQuery(c, "max_monetary", math.Inf(1))
	if err != nil {
		return err
	}

	if c.Query("min_monetary") == "" && c.Query("max_monetary") == "" {
		res, err := s.compute(c)
		if err != nil {
			return err
		}
		return ok(c, fiber.Map{
			"run":       infoOf(res),
			"customers": report.Paginate(views(res.Customers), offset, limit),
		})
	}

	e, err := s.explore(c)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{
		"run":       infoOf(e.Result()),
		"customers": report.Paginate(views(e.MonetaryBetween(lo, hi)), offset, limit),
	})
}

func (s *Server) segments(c fiber.Ctx) error {
	res, err := s.compute(c)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{
		"run":         infoOf(res),
		"counts":      report.SegmentCounts(res),
		"performance": report.SegmentPerformance(res),
	})
}

func (s *Server) segmentCustomers(c fiber.Ctx) error {
	offset, limit, err := s.page(c)
	if err != nil {
		return err
	}
	minScore, err := intQuery(c, "min_score", 0)
	if err != nil {
		return err
	}
	e, err := s.explore(c)
	if err != nil {
		return err
	}

	name := c.Params("name")
	var rows []rfm.CustomerRFM
	if minScore > 0 {
		rows, err = e.SegmentAtLeast(name, minScore)
	} else {
		rows, err = e.Segment(name)
	}
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{
		"run":       infoOf(e.Result()),
		"segment":   name,
		"customers": report.Paginate(views(rows), offset, limit),
	})
}

func (s *Server) customer(c fiber.Ctx) error {
	e, err := s.explore(c)
	if err != nil {
		return err
	}
	id := c.Params("id")
	row, found := e.Customer(id)
	if !found {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("customer %q not found", id))
	}

	records := s.db.QueryByCustomer(id)
	defer db.ReleaseAll(records)
	txns, err := db.TransactionsOf(records, id)
	if err != nil {
		return err
	}
	return ok(c, customerDetail{
		customerView: customerView{CustomerRFM: row, Code: row.Code()},
		Transactions: txns,
	})
}

func (s *Server) top(c fiber.Ctx) error {
	n, err := intQuery(c, "n", s.opts.TopN)
	if err != nil {
		return err
	}
	e, err := s.explore(c)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{
		"run":       infoOf(e.Result()),
		"customers": views(e.Top(n)),
	})
}

func (s *Server) summary(c fiber.Ctx) error {
	records := s.db.Records()
	defer db.ReleaseAll(records)

	res, err := s.run(c, records)
	if err != nil {
		return err
	}
	stats, err := report.DataStats(records)
	if err != nil {
		return err
	}
	tiers, err := report.ValueTiers(res.Customers)
	if err != nil {
		return err
	}
	return ok(c, fiber.Map{
		"run":         infoOf(res),
		"dataset":     stats,
		"summary":     report.Summarize(res.Customers, s.opts.ActiveWindowDays),
		"value_tiers": tiers,
		"scores":      report.ScoreHistogram(res.Customers),
	})
}

func (s *Server) monthly(c fiber.Ctx) error {
	records := s.db.Records()
	defer db.ReleaseAll(records)

	months, err := report.Monthly(records)
	if err != nil {
		return err
	}
	return ok(c, months)
}

func (s *Server) daily(c fiber.Ctx) error {
	top, err := intQuery(c, "top", 0)
	if err != nil {
		return err
	}
	records := s.db.Records()
	defer db.ReleaseAll(records)

	days, err := report.Daily(records)
	if err != nil {
		return err
	}
	if top > 0 {
		days = report.TopRevenueDays(days, top)
	}
	return ok(c, days)
}

func (s *Server) features(c fiber.Ctx) error {
	offset, limit, err := s.page(c)
	if err != nil {
		return err
	}
	records := s.db.Records()
	defer db.ReleaseAll(records)

	feats, err := report.CustomerFeatures(records)
	if err != nil {
		return err
	}
	return ok(c, report.Paginate(feats, offset, limit))
}

var contentTypes = map[storage.Format]string{
	storage.JSON:    fiber.MIMEApplicationJSON,
	storage.CSV:     "text/csv",
	storage.Parquet: fiber.MIMEOctetStream,
}

func (s *Server) export(c fiber.Ctx) error {
	format, err := storage.ParseFormat(c.Query("format", string(storage.CSV)))
	if err != nil {
		return err
	}
	res, err := s.compute(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := storage.Write(&buf, format, res); err != nil {
		return err
	}
	c.Attachment(storage.ExportName("rfm_results", format, time.Now()))
	c.Set(fiber.HeaderContentType, contentTypes[format])
	return c.Send(buf.Bytes())
}

func (s *Server) ingest(c fiber.Ctx) error {
	user := c.Get(UserHeader)

	recs, err := loader.ReadCSV(bytes.NewReader(c.Body()), db.Pool)
	if err != nil {
		return err
	}
	defer db.ReleaseAll(recs)

	var rows int64
	for _, rec := range recs {
		if err := s.db.Ingest(rec); err != nil {
			return err
		}
		rows += rec.NumRows()
	}
	s.logger.Info("http ingest", zap.String("user", user), zap.Int64("rows", rows))
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status": "ok",
		"data":   fiber.Map{"rows": rows},
	})
}
