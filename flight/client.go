// Package flight serves transaction ingest and RFM scoring over Arrow Flight.
package flight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ---------------------------------------------------------------------
// Flight Client
// ---------------------------------------------------------------------

// Client wraps an Apache Arrow Flight client to ingest transactions and
// fetch scored results.
type Client struct {
	client flight.Client
	user   string
}

// NewClient dials addr without TLS. user is sent with every call as the
// x-user header; it may be empty when the server checks no roles.
func NewClient(addr, user string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	return &Client{client: client, user: user}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.user == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, UserHeader, c.user)
}

// Ingest sends records with DoPut and returns the number of rows the server
// stored. All records must share one schema.
func (c *Client) Ingest(ctx context.Context, records []arrow.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	schema := records[0].Schema()
	for _, rec := range records[1:] {
		if !rec.Schema().Equal(schema) {
			return 0, errors.New("records do not share a schema")
		}
	}

	stream, err := c.client.DoPut(c.outgoing(ctx))
	if err != nil {
		return 0, fmt.Errorf("DoPut failed: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return 0, serverErr(stream, fmt.Errorf("failed to send record: %w", err))
		}
	}
	if err := writer.Close(); err != nil {
		return 0, serverErr(stream, fmt.Errorf("failed to finish stream: %w", err))
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	var ack putAck
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return ack.Rows, nil
		}
		if err != nil {
			return 0, err
		}
		if len(res.GetAppMetadata()) > 0 {
			if err := json.Unmarshal(res.GetAppMetadata(), &ack); err != nil {
				return 0, fmt.Errorf("bad ack: %w", err)
			}
		}
	}
}

// serverErr prefers the status the server ended the stream with, which a
// failed Send does not carry.
func serverErr(stream flight.FlightService_DoPutClient, sendErr error) error {
	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return sendErr
}

// Compute asks the server to score its current table. The caller releases
// the returned records.
func (c *Client) Compute(ctx context.Context, t Ticket) ([]arrow.Record, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.DoGet(c.outgoing(ctx), &flight.Ticket{Ticket: data})
	if err != nil {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}
	defer reader.Release()

	var result []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		// Retain the record so it's safe to use after Next() call
		rec.Retain()
		result = append(result, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range result {
			rec.Release()
		}
		return nil, fmt.Errorf("error reading from flight stream: %w", err)
	}
	return result, nil
}
