package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/primitive"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

var (
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr  = flag.String("server", "", "Flight server receiving outputs (e.g., localhost:3000)")
	datasetName = flag.String("dataset", "nock_outputs", "Target dataset name on server")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	blockSize   = flag.Int("block", 8, "Channel block for native 4-D layouts: 0, 8 or 16")
	workers     = flag.Int("workers", 0, "Kernel worker goroutines (0 = NumCPU)")
	enableCosim = flag.Bool("cosim", false, "Check every result against the reference implementation")
	maxBytes    = flag.String("max-bytes", "1GB", "Admission control: tensor bytes in flight (e.g. 1GB, 512MB)")

	opName     = flag.String("op", "pooling", "Primitive: pooling or batch_norm")
	direction  = flag.String("direction", "forward", "forward or backward")
	algoName   = flag.String("algo", "max", "Pooling algorithm: max, avg_include_padding, avg_exclude_padding")
	kernelSize = flag.String("kernel", "2", "Pooling window, e.g. 3 or 3x2")
	stride     = flag.String("stride", "2", "Pooling stride, e.g. 2 or 2x1")
	padding    = flag.String("pad", "0", "Symmetric pooling padding, e.g. 1 or 1x0")
	eps        = flag.Float64("eps", 1e-5, "Batch normalization epsilon")
	dimsFlag   = flag.String("dims", "8x16x32x32", "Input dims, logical order (NxCxHxW or NxC)")
	formatFlag = flag.String("format", "nchw", "Input layout: x, nc, nchw, nhwc, nChw8c, nChw16c")
	iterations = flag.Int("iterations", 1, "Number of times to run the primitive")
	duration   = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	seed       = flag.Int64("seed", 1, "Seed for synthetic inputs")
)

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	opts := primitive.DefaultOptions()
	opts.Kernel.BlockSize = *blockSize
	opts.Kernel.NumWorkers = *workers
	opts.Cosim = *enableCosim
	backend := primitive.NewBackend(opts)

	var fwd *client.Forwarder
	if *serverAddr != "" {
		fc, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Forwarding outputs to Flight Server")
		fwd = client.NewForwarder(fc, *datasetName, client.NewCircuitBreaker(5, 10*time.Second))
	}

	if *listenAddr != "" || *flightAddr != "" {
		if *listenAddr != "" {
			limit := parseBytes(*maxBytes)
			log.Info().Str("max_bytes", *maxBytes).Int64("bytes", limit).Msg("Admission Control")
			go startServer(*listenAddr, NewServer(backend, fwd, limit))
		}
		if *flightAddr != "" {
			StartFlightServer(*flightAddr, NewNockFlightServer(backend, fwd))
			return
		}
		select {}
	}

	job, err := jobFromFlags()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid job")
	}
	dims, err := parseDims(*dimsFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid dims")
	}
	format, err := layout.ParseFormat(*formatFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid format")
	}

	job, inputs, err := prepare(backend, job, dims, format, rand.New(rand.NewSource(*seed)))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare inputs")
	}

	outputs, err := runLoop(context.Background(), backend, job, inputs)
	if err != nil {
		log.Fatal().Err(err).Stringer("job", job).Msg("Run failed")
	}

	if fwd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := fwd.Forward(ctx, outputs); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Int("count", len(outputs)).Msg("Successfully sent outputs")
		return
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(outputs)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record batch")
	}
	if rec == nil {
		return
	}
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func jobFromFlags() (Job, error) {
	k, err := parsePair(*kernelSize)
	if err != nil {
		return Job{}, err
	}
	s, err := parsePair(*stride)
	if err != nil {
		return Job{}, err
	}
	p, err := parsePair(*padding)
	if err != nil {
		return Job{}, err
	}
	job := Job{
		Op: *opName, Direction: *direction, Algo: *algoName,
		Kernel: k, Stride: s, PadL: p, PadR: p,
		Eps: float32(*eps),
	}
	return job, job.Validate()
}

func randomTensor(r *rand.Rand, dims []int, f layout.Format) (*tensor.CPUTensor, error) {
	n := 1
	for _, d := range dims {
		n *= d
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = r.Float32()*2 - 1
	}
	return tensor.FromFloat32(dims, f, values)
}

// prepare builds synthetic inputs for job. Backward jobs get their forward
// products (workspace, statistics) by running the forward pass once.
func prepare(b *primitive.Backend, job Job, dims []int, f layout.Format, r *rand.Rand) (Job, []client.NamedTensor, error) {
	src, err := randomTensor(r, dims, f)
	if err != nil {
		return job, nil, err
	}
	in := []client.NamedTensor{{Name: "src", Tensor: src}}

	if job.Op == opBatchNorm {
		if len(dims) < 2 {
			return job, nil, fmt.Errorf("%w: batch normalization needs a channel axis", errBadJob)
		}
		w, err := randomTensor(r, []int{2, dims[1]}, layout.NC)
		if err != nil {
			return job, nil, err
		}
		in = append(in, client.NamedTensor{Name: "scale_shift", Tensor: w})
	}
	if job.Direction == "forward" {
		return job, in, nil
	}

	fwdJob := job
	fwdJob.Direction = "forward"
	fwdIn := in
	if job.Op == opBatchNorm {
		// statistics only
		fwdIn = in[:1]
	}
	fwdOut, err := fwdJob.Run(b, fwdIn)
	if err != nil {
		return job, nil, err
	}

	diffDst, err := randomTensor(r, fwdOut[0].Tensor.Dims(), fwdOut[0].Tensor.Format())
	if err != nil {
		return job, nil, err
	}
	if job.Op == opPooling {
		if job.SrcDims, err = dims4(dims); err != nil {
			return job, nil, err
		}
		in = []client.NamedTensor{{Name: "diff_dst", Tensor: diffDst}}
		if len(fwdOut) == 2 {
			in = append(in, client.NamedTensor{Name: "workspace", Tensor: fwdOut[1].Tensor})
		}
		return job, in, nil
	}
	in = append(in,
		client.NamedTensor{Name: "diff_dst", Tensor: diffDst},
		client.NamedTensor{Name: "mean", Tensor: fwdOut[1].Tensor},
		client.NamedTensor{Name: "variance", Tensor: fwdOut[2].Tensor},
	)
	return job, in, nil
}

func runLoop(ctx context.Context, b *primitive.Backend, job Job, in []client.NamedTensor) ([]client.NamedTensor, error) {
	_, span := otel.Tracer("nock").Start(ctx, "runLoop")
	defer span.End()
	span.SetAttributes(attribute.String("job", job.String()))

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
		log.Info().Str("duration", duration.String()).Msg("Starting soak test")
	}

	startTime := time.Now()
	var out []client.NamedTensor
	iter := 0
	for {
		var err error
		if out, err = job.Run(b, in); err != nil {
			span.RecordError(err)
			return nil, err
		}
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Float64("ips", float64(iter)/elapsed.Seconds()).
				Msg("Run progress")
		}
		if endTime.IsZero() && iter >= *iterations {
			break
		}
		if !endTime.IsZero() && !time.Now().Before(endTime) {
			break
		}
	}

	totalElapsed := time.Since(startTime)
	stats := b.Stats()
	log.Info().
		Stringer("job", job).
		Int("iterations", iter).
		Dur("total_time", totalElapsed).
		Float64("avg_ms", totalElapsed.Seconds()*1000/float64(iter)).
		Int("plans", stats.PoolingFwdPlans+stats.PoolingBwdPlans+stats.BNFwdPlans+stats.BNBwdPlans).
		Int("reorder_plans", stats.ReorderPlans).
		Msg("Run complete")
	span.SetAttributes(attribute.Int("iterations", iter))
	return out, nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("nock"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
