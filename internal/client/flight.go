package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient talks to a Flight endpoint that accepts tensor batches.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}, nil
}

// PathDescriptor names a dataset.
func PathDescriptor(dataset string) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{dataset}}
}

// CommandDescriptor carries an opaque encoded command.
func CommandDescriptor(cmd []byte) *flight.FlightDescriptor {
	return &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd}
}

// DoPut uploads a record batch under the dataset path.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	return c.PutWith(ctx, PathDescriptor(dataset), record)
}

// PutWith uploads a record batch under an arbitrary descriptor and waits for
// the server to finish consuming it.
func (c *FlightClient) PutWith(ctx context.Context, desc *flight.FlightDescriptor, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)
	if err := send(writer, stream, record); err != nil {
		return err
	}
	// drain acknowledgements until the server closes the stream
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exchange sends one batch and collects every batch the server streams back.
// Returned batches must be released by the caller.
func (c *FlightClient) Exchange(ctx context.Context, desc *flight.FlightDescriptor, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(desc)
	if err := send(writer, stream, record); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		for _, r := range out {
			r.Release()
		}
		return nil, err
	}
	return out, nil
}

// send writes record and half-closes the stream. io.EOF means the server
// already ended the call; its status is then read from the receive side.
func send(writer *flight.Writer, stream interface{ CloseSend() error }, record arrow.RecordBatch) error {
	if err := writer.Write(record); err != nil && !errors.Is(err, io.EOF) {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err := stream.CloseSend(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *FlightClient) Close() error {
	return c.conn.Close()
}
