// Package kernel is the CPU kernel engine: it builds immutable execution
// plans for a shape/parameter signature, decides the native layouts each
// plan works in, and runs the compute over raw buffers.
package kernel

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var (
	// ErrUnsupported is returned when no plan can be built for a signature.
	ErrUnsupported = errors.New("kernel: unsupported signature")
	// ErrBufferSize is returned when a buffer handed to Execute does not
	// match the plan's layout.
	ErrBufferSize = errors.New("kernel: buffer size mismatch")
)

// Plan is the metadata every execution plan exposes.
type Plan interface {
	RequiredInputFormats() []layout.Format
	NativeOutputFormats() []layout.Format
}

// Config controls how the engine lays out data and spreads work.
type Config struct {
	NumWorkers  int // worker goroutines per kernel call
	BlockSize   int // channel block for 4-D native layouts: 0 (planar), 8 or 16
	MinParallel int // minimum work items before fanning out
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	return Config{
		NumWorkers:  runtime.NumCPU(),
		BlockSize:   8,
		MinParallel: 4,
	}
}

// Engine builds plans. It is stateless apart from its configuration and is
// safe for concurrent use.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = runtime.NumCPU()
	}
	switch cfg.BlockSize {
	case 0, 8, 16:
	case 1:
		cfg.BlockSize = 0
	default:
		log.Warn().Int("block", cfg.BlockSize).Msg("unsupported channel block size, using planar layouts")
		cfg.BlockSize = 0
	}
	return &Engine{cfg: cfg}
}

func (e *Engine) Config() Config { return e.cfg }

// NativeFormat is the 4-D layout kernels prefer for c channels: blocked when
// the channel count fills whole blocks, planar otherwise.
func (e *Engine) NativeFormat(c int) layout.Format {
	if b := e.cfg.BlockSize; b > 1 && c%b == 0 {
		return layout.BlockedFormat(b)
	}
	return layout.NCHW
}

// parallel executes f(i) for i in [0, n), split across the configured
// workers.
func (e *Engine) parallel(n int, f func(i int)) {
	workers := e.cfg.NumWorkers
	if workers > n {
		workers = n
	}
	if workers <= 1 || n < e.cfg.MinParallel {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	perWorker := (n + workers - 1) / workers
	for w := 0; w < workers; w++ {
		start := w * perWorker
		if start >= n {
			break
		}
		end := start + perWorker
		if end > n {
			end = n
		}

		wg.Add(1)
		go func(s, eIdx int) {
			defer wg.Done()
			for i := s; i < eIdx; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}

func checkLen(name string, buf []byte, d layout.Desc, dt tensor.DataType) error {
	if want := d.Bytes(dt.Size()); len(buf) != want {
		return fmt.Errorf("%w: %s has %d bytes, %s %s needs %d", ErrBufferSize, name, len(buf), d, dt, want)
	}
	return nil
}

func unsupported(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}
