package flight_test

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/TFMV/rfm/auth"
	"github.com/TFMV/rfm/db"
	"github.com/TFMV/rfm/flight"
	"github.com/TFMV/rfm/rfm"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func transactions() []db.Transaction {
	return []db.Transaction{
		{CustomerID: "1", OrderID: "a1", PurchaseDate: day("2023-06-30"), Amount: 50},
		{CustomerID: "2", OrderID: "b1", PurchaseDate: day("2023-06-01"), Amount: 100},
		{CustomerID: "2", OrderID: "b2", PurchaseDate: day("2023-06-11"), Amount: 100},
		{CustomerID: "3", OrderID: "c1", PurchaseDate: day("2023-04-01"), Amount: 100},
		{CustomerID: "3", OrderID: "c2", PurchaseDate: day("2023-05-02"), Amount: 100},
		{CustomerID: "3", OrderID: "c3", PurchaseDate: day("2023-04-15"), Amount: 100},
		{CustomerID: "4", OrderID: "d1", PurchaseDate: day("2023-01-10"), Amount: 25},
		{CustomerID: "4", OrderID: "d2", PurchaseDate: day("2023-02-10"), Amount: 25},
		{CustomerID: "4", OrderID: "d3", PurchaseDate: day("2023-03-01"), Amount: 25},
		{CustomerID: "4", OrderID: "d4", PurchaseDate: day("2023-03-03"), Amount: 25},
		{CustomerID: "5", OrderID: "e1", PurchaseDate: day("2023-06-20"), Amount: -20},
	}
}

// MockRoleManager implements auth.RoleManager for testing
type MockRoleManager struct {
	mock.Mock
}

func (m *MockRoleManager) HasRole(username, role string) bool {
	args := m.Called(username, role)
	return args.Bool(0)
}

type harness struct {
	db   *db.DB
	addr string
}

func start(t *testing.T, roles auth.RoleManager) *harness {
	t.Helper()
	database := db.NewDB(db.DefaultSettings())
	t.Cleanup(database.Close)

	svc, err := flight.NewService(database, flight.Options{Roles: roles})
	require.NoError(t, err)
	srv, err := flight.NewServer(svc, "localhost:0")
	require.NoError(t, err)
	go func() {
		_ = srv.Serve()
	}()
	t.Cleanup(srv.Shutdown)

	return &harness{db: database, addr: srv.Addr().String()}
}

func (h *harness) client(t *testing.T, user string) *flight.Client {
	t.Helper()
	c, err := flight.NewClient(h.addr, user)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func batch(t *testing.T, txns []db.Transaction) []arrow.Record {
	rec := db.BuildRecord(memory.DefaultAllocator, txns)
	t.Cleanup(rec.Release)
	return []arrow.Record{rec}
}

func releaseAll(recs []arrow.Record) {
	for _, r := range recs {
		r.Release()
	}
}

func stringsOf(rec arrow.Record, name string) []string {
	col := rec.Column(rec.Schema().FieldIndices(name)[0]).(*array.String)
	out := make([]string, col.Len())
	for i := range out {
		out[i] = col.Value(i)
	}
	return out
}

func TestIngestAndCompute(t *testing.T) {
	h := start(t, nil)
	c := h.client(t, "")
	ctx := context.Background()

	txns := transactions()
	rows, err := c.Ingest(ctx, append(batch(t, txns[:4]), batch(t, txns[4:])...))
	require.NoError(t, err)
	assert.EqualValues(t, len(txns), rows)
	assert.EqualValues(t, len(txns), h.db.NumRows())

	recs, err := c.Compute(ctx, flight.Ticket{})
	require.NoError(t, err)
	defer releaseAll(recs)
	require.Len(t, recs, 1)

	rec := recs[0]
	assert.True(t, rec.Schema().Equal(rfm.ResultSchema))
	assert.Equal(t, []string{"1", "2", "3", "4"}, stringsOf(rec, "customer_id"))
	assert.Equal(t, []string{"144", "232", "321", "413"}, stringsOf(rec, "rfm_code"))
	assert.Equal(t,
		[]string{rfm.Champions, rfm.PotentialLoyalists, rfm.RecentCustomers, rfm.LoyalCustomers},
		stringsOf(rec, "segment"))
}

func TestComputeSegmentsView(t *testing.T) {
	h := start(t, nil)
	c := h.client(t, "")
	ctx := context.Background()
	_, err := c.Ingest(ctx, batch(t, transactions()))
	require.NoError(t, err)

	recs, err := c.Compute(ctx, flight.Ticket{View: flight.ViewSegments})
	require.NoError(t, err)
	defer releaseAll(recs)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Schema().Equal(flight.SegmentSchema))
	assert.Equal(t,
		[]string{rfm.Champions, rfm.LoyalCustomers, rfm.PotentialLoyalists, rfm.RecentCustomers},
		stringsOf(recs[0], "segment"))
}

func TestComputeReferenceDateOverride(t *testing.T) {
	h := start(t, nil)
	c := h.client(t, "")
	ctx := context.Background()
	_, err := c.Ingest(ctx, batch(t, transactions()))
	require.NoError(t, err)

	recs, err := c.Compute(ctx, flight.Ticket{ReferenceDate: "2023-08-01"})
	require.NoError(t, err)
	defer releaseAll(recs)
	recency := recs[0].Column(1).(*array.Int64)
	assert.EqualValues(t, 32, recency.Value(0))

	// the override is request scoped
	again, err := c.Compute(ctx, flight.Ticket{})
	require.NoError(t, err)
	defer releaseAll(again)
	assert.EqualValues(t, 1, again[0].Column(1).(*array.Int64).Value(0))
}

func TestComputeErrors(t *testing.T) {
	h := start(t, nil)
	c := h.client(t, "")
	ctx := context.Background()

	_, err := c.Compute(ctx, flight.Ticket{View: "pivot"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), err)

	_, err = c.Compute(ctx, flight.Ticket{ReferenceDate: "July"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), err)

	_, err = c.Ingest(ctx, batch(t, transactions()[:3]))
	require.NoError(t, err)
	_, err = c.Compute(ctx, flight.Ticket{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), err)
	assert.Contains(t, err.Error(), "insufficient distinct values")
}

func TestIngestRejectsBadSchema(t *testing.T) {
	h := start(t, nil)
	c := h.client(t, "")

	s := arrow.NewSchema([]arrow.Field{
		{Name: "CustomerID", Type: arrow.BinaryTypes.String},
		{Name: "OrderID", Type: arrow.BinaryTypes.String},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, s)
	defer b.Release()
	b.Field(0).(*array.StringBuilder).Append("1")
	b.Field(1).(*array.StringBuilder).Append("a")
	rec := b.NewRecord()
	defer rec.Release()

	_, err := c.Ingest(context.Background(), []arrow.Record{rec})
	assert.Equal(t, codes.InvalidArgument, status.Code(err), err)
	assert.Zero(t, h.db.NumRows())
}

func TestIngestRequiresRole(t *testing.T) {
	roles := auth.NewStaticRoles(
		auth.User{Username: "etl", Roles: []string{auth.RoleIngester}},
		auth.User{Username: "ana", Roles: []string{auth.RoleAnalyst}},
	)
	h := start(t, roles)
	ctx := context.Background()

	for _, user := range []string{"", "ana"} {
		_, err := h.client(t, user).Ingest(ctx, batch(t, transactions()))
		assert.Equal(t, codes.PermissionDenied, status.Code(err), user)
	}
	assert.Zero(t, h.db.NumRows())

	rows, err := h.client(t, "etl").Ingest(ctx, batch(t, transactions()))
	require.NoError(t, err)
	assert.EqualValues(t, len(transactions()), rows)
}

func TestComputeRequiresAnalystRole(t *testing.T) {
	roles := auth.NewStaticRoles(
		auth.User{Username: "etl", Roles: []string{auth.RoleIngester}},
		auth.User{Username: "ana", Roles: []string{auth.RoleAnalyst}},
	)
	h := start(t, roles)
	ctx := context.Background()
	_, err := h.client(t, "etl").Ingest(ctx, batch(t, transactions()))
	require.NoError(t, err)

	for _, user := range []string{"", "etl"} {
		_, err := h.client(t, user).Compute(ctx, flight.Ticket{})
		assert.Equal(t, codes.PermissionDenied, status.Code(err), user)
	}

	recs, err := h.client(t, "ana").Compute(ctx, flight.Ticket{})
	require.NoError(t, err)
	defer releaseAll(recs)
	require.Len(t, recs, 1)
	assert.EqualValues(t, 4, recs[0].NumRows())
}

func TestIngestEmpty(t *testing.T) {
	h := start(t, nil)
	rows, err := h.client(t, "").Ingest(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestIngestChecksCallerRole(t *testing.T) {
	roles := new(MockRoleManager)
	roles.On("HasRole", "loader", auth.RoleIngester).Return(true).Once()
	roles.On("HasRole", "guest", auth.RoleIngester).Return(false).Once()
	h := start(t, roles)
	ctx := context.Background()

	_, err := h.client(t, "loader").Ingest(ctx, batch(t, transactions()))
	require.NoError(t, err)
	_, err = h.client(t, "guest").Ingest(ctx, batch(t, transactions()))
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	roles.AssertExpectations(t)
	assert.EqualValues(t, len(transactions()), h.db.NumRows())
}
