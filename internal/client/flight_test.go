package client

import (
	"context"
	"sync"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	mu       sync.Mutex
	paths    [][]string
	received []arrow.RecordBatch
}

func (s *mockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	s.mu.Lock()
	s.paths = append(s.paths, reader.LatestFlightDescriptor().GetPath())
	s.mu.Unlock()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		s.mu.Lock()
		s.received = append(s.received, rec)
		s.mu.Unlock()
	}
	return reader.Err()
}

// DoExchange echoes every batch back.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(reader.Schema()))
	defer writer.Close()
	for reader.Next() {
		if err := writer.Write(reader.Record()); err != nil {
			return err
		}
	}
	return reader.Err()
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	srv, addr := startMockServer(t)

	c, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(sampleTensors(t))
	require.NoError(t, err)
	defer rb.Release()

	require.NoError(t, c.DoPut(context.Background(), "test-dataset", rb))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.received, 1)
	assert.Equal(t, []string{"test-dataset"}, srv.paths[0])
	got, err := ReadTensors(srv.received[0])
	require.NoError(t, err)
	assert.Equal(t, "workspace", got[1].Name)
}

func TestFlightClient_Exchange(t *testing.T) {
	_, addr := startMockServer(t)

	c, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer c.Close()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(sampleTensors(t))
	require.NoError(t, err)
	defer rb.Release()

	out, err := c.Exchange(context.Background(), CommandDescriptor([]byte("echo")), rb)
	require.NoError(t, err)
	require.Len(t, out, 1)
	defer out[0].Release()
	assert.Equal(t, int64(2), out[0].NumRows())
}
