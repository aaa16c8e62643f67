package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/primitive"
)

// NockFlightServer runs jobs over Flight. The job travels CBOR-encoded in a
// CMD descriptor; each record batch is one set of named inputs.
type NockFlightServer struct {
	flight.BaseFlightServer
	backend   *primitive.Backend
	forwarder *client.Forwarder
	alloc     memory.Allocator
}

func NewNockFlightServer(b *primitive.Backend, fwd *client.Forwarder) *NockFlightServer {
	return &NockFlightServer{
		backend:   b,
		forwarder: fwd,
		alloc:     memory.NewGoAllocator(),
	}
}

func jobFrom(desc *flight.FlightDescriptor) (Job, error) {
	var job Job
	if desc == nil || desc.GetType() != flight.DescriptorCMD {
		return job, status.Error(codes.InvalidArgument, "expected a CMD descriptor carrying the job")
	}
	if err := cbor.Unmarshal(desc.GetCmd(), &job); err != nil {
		return job, status.Errorf(codes.InvalidArgument, "decode job: %v", err)
	}
	if err := job.Validate(); err != nil {
		return job, status.Error(codes.InvalidArgument, err.Error())
	}
	return job, nil
}

func (s *NockFlightServer) run(job Job, rec arrow.RecordBatch) ([]client.NamedTensor, error) {
	in, err := client.ReadTensors(rec)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := job.Run(s.backend, in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	tensorsProcessed.Add(float64(len(out)))
	return out, nil
}

// DoPut runs the job on every uploaded batch and forwards the outputs.
func (s *NockFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	job, err := jobFrom(reader.LatestFlightDescriptor())
	if err != nil {
		return err
	}
	for reader.Next() {
		out, err := s.run(job, reader.Record())
		if err != nil {
			return err
		}
		log.Info().Stringer("job", job).Int("outputs", len(out)).Msg("DoPut processed batch")
		if s.forwarder != nil {
			if err := s.forwarder.Forward(stream.Context(), out); err != nil {
				log.Error().Err(err).Msg("Error forwarding outputs")
			}
		}
	}
	return reader.Err()
}

// DoExchange streams one output batch back per input batch.
func (s *NockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	job, err := jobFrom(reader.LatestFlightDescriptor())
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(client.TensorSchema), ipc.WithAllocator(s.alloc))
	defer writer.Close()

	builder := client.NewRecordBatchBuilder(s.alloc)
	for reader.Next() {
		out, err := s.run(job, reader.Record())
		if err != nil {
			return err
		}
		rec, err := builder.BuildRecordBatch(out)
		if err != nil {
			return err
		}
		if rec == nil {
			continue
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return fmt.Errorf("write outputs: %w", err)
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string, srv *NockFlightServer) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Nock Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
