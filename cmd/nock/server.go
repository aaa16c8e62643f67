package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/kernel"
	"github.com/23skdu/longbow-nock/internal/primitive"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var (
	tensorsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_tensors_processed_total",
		Help: "The total number of output tensors produced for requests",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nock_request_duration_seconds",
		Help:    "Time spent processing run requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// RunRequest is the CBOR body of /run and /run/arrow.
type RunRequest struct {
	Job    Job             `cbor:"job"`
	Inputs []TensorPayload `cbor:"inputs"`
}

// RunResponse is the CBOR body returned by /run.
type RunResponse struct {
	Outputs       []TensorPayload `cbor:"outputs"`
	Stats         primitive.Stats `cbor:"stats"`
	ElapsedMicros int64           `cbor:"elapsed_us"`
}

type Server struct {
	backend   *primitive.Backend
	forwarder *client.Forwarder
	alloc     memory.Allocator
	sem       *semaphore.Weighted
	maxBytes  int64
}

// NewServer admits requests while the tensors they carry fit in maxBytes.
// fwd may be nil.
func NewServer(b *primitive.Backend, fwd *client.Forwarder, maxBytes int64) *Server {
	if maxBytes <= 0 {
		maxBytes = 1 << 30
	}
	return &Server{
		backend:   b,
		forwarder: fwd,
		alloc:     memory.NewGoAllocator(),
		sem:       semaphore.NewWeighted(maxBytes),
		maxBytes:  maxBytes,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/run", s.handleRun)
	mux.HandleFunc("/run/arrow", s.handleRunArrow)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Msg("Starting Nock Server")
	if srv.forwarder != nil {
		log.Info().Msg("Forwarding outputs to the configured Flight server")
	}
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("nock-server")

var errBusy = errors.New("request larger than admission capacity")

// execute decodes, admits and runs one request, forwarding the outputs when
// a forwarder is configured.
func (s *Server) execute(ctx context.Context, req RunRequest) ([]client.NamedTensor, error) {
	ctx, span := tracer.Start(ctx, "execute")
	defer span.End()
	span.SetAttributes(attribute.String("job", req.Job.String()), attribute.Int("inputs", len(req.Inputs)))

	// admission is decided on declared sizes, before any tensor is allocated
	var weight int64
	for _, p := range req.Inputs {
		n, err := p.bytes()
		if err != nil {
			return nil, err
		}
		if n > s.maxBytes-weight {
			return nil, fmt.Errorf("%w: input %q declares %d bytes", errBusy, p.Name, n)
		}
		weight += n
	}
	if weight > 0 {
		if err := s.sem.Acquire(ctx, weight); err != nil {
			return nil, err
		}
		defer s.sem.Release(weight)
	}

	in := make([]client.NamedTensor, 0, len(req.Inputs))
	for _, p := range req.Inputs {
		nt, err := p.decode()
		if err != nil {
			return nil, err
		}
		in = append(in, nt)
	}

	out, err := req.Job.Run(s.backend, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	tensorsProcessed.Add(float64(len(out)))

	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding outputs")
		}
	}
	return out, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadJob):
		return http.StatusBadRequest
	case errors.Is(err, errBusy):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, primitive.ErrShapeMismatch),
		errors.Is(err, primitive.ErrTypeMismatch),
		errors.Is(err, primitive.ErrWorkspaceRequired),
		errors.Is(err, kernel.ErrUnsupported),
		errors.Is(err, tensor.ErrAllocation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleRun")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("run").Observe(time.Since(start).Seconds())
	}()

	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	out, err := s.execute(ctx, req)
	if err != nil {
		log.Warn().Err(err).Stringer("job", req.Job).Msg("run failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	resp := RunResponse{
		Outputs:       make([]TensorPayload, len(out)),
		Stats:         s.backend.Stats(),
		ElapsedMicros: time.Since(start).Microseconds(),
	}
	for i, nt := range out {
		if resp.Outputs[i], err = encodePayload(nt); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) handleRunArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleRunArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("run_arrow").Observe(time.Since(start).Seconds())
	}()

	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	out, err := s.execute(ctx, req)
	if err != nil {
		log.Warn().Err(err).Stringer("job", req.Job).Msg("run failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if rec == nil {
		return
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		log.Error().Err(err).Msg("Failed to write arrow stream")
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close arrow stream")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(s.backend.Stats()); err != nil {
		log.Error().Err(err).Msg("Failed to write stats")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
