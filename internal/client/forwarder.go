package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
)

// Putter uploads a batch to a dataset. *FlightClient implements it.
type Putter interface {
	DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error
}

var _ Putter = (*FlightClient)(nil)

// Forwarder ships primitive outputs to a remote dataset, shedding load
// through a circuit breaker when the remote keeps failing.
type Forwarder struct {
	put     Putter
	dataset string
	breaker *CircuitBreaker
	builder *RecordBatchBuilder
}

func NewForwarder(put Putter, dataset string, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{
		put:     put,
		dataset: dataset,
		breaker: breaker,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
	}
}

func (f *Forwarder) Breaker() *CircuitBreaker { return f.breaker }

// Forward encodes tensors into one batch and uploads it.
func (f *Forwarder) Forward(ctx context.Context, tensors []NamedTensor) error {
	if len(tensors) == 0 {
		return nil
	}
	if !f.breaker.Allow() {
		forwardedBatches.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}

	rec, err := f.builder.BuildRecordBatch(tensors)
	if err != nil {
		// not the remote's fault
		f.breaker.Success()
		return err
	}
	defer rec.Release()

	if err := f.put.DoPut(ctx, f.dataset, rec); err != nil {
		f.breaker.Failure()
		forwardedBatches.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("dataset", f.dataset).Stringer("breaker", f.breaker.State()).Msg("forward failed")
		return fmt.Errorf("client: forward to %s: %w", f.dataset, err)
	}
	f.breaker.Success()
	forwardedBatches.WithLabelValues("ok").Inc()
	forwardedRows.Add(float64(rec.NumRows()))
	return nil
}
