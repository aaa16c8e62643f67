//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/layout"
	"github.com/23skdu/longbow-nock/internal/tensor"
)

type job struct {
	Op        string `cbor:"op"`
	Direction string `cbor:"direction"`
	Algo      string `cbor:"algo,omitempty"`
	Kernel    [2]int `cbor:"kernel,omitempty"`
	Stride    [2]int `cbor:"stride,omitempty"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Nock Flight Server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	values := make([]float32, 2*8*6*6)
	for i := range values {
		values[i] = float32(i % 7)
	}
	src, err := tensor.FromFloat32([]int{2, 8, 6, 6}, layout.NCHW, values)
	if err != nil {
		log.Fatal().Err(err).Msg("Build src")
	}
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([]client.NamedTensor{{Name: "src", Tensor: src}})
	if err != nil {
		log.Fatal().Err(err).Msg("Build record")
	}
	defer rec.Release()

	cmd, err := cbor.Marshal(job{Op: "pooling", Direction: "forward", Algo: "max", Kernel: [2]int{2, 2}, Stride: [2]int{2, 2}})
	if err != nil {
		log.Fatal().Err(err).Msg("Encode job")
	}

	start := time.Now()
	out, err := c.Exchange(context.Background(), client.CommandDescriptor(cmd), rec)
	if err != nil {
		log.Fatal().Err(err).Msg("Exchange failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Int("batches", len(out)).Msg("Received outputs")
	if len(out) != 1 {
		log.Fatal().Int("batches", len(out)).Msg("Batch count mismatch")
	}
	defer out[0].Release()

	tensors, err := client.ReadTensors(out[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Decode outputs")
	}
	if len(tensors) != 2 {
		log.Fatal().Int("got", len(tensors)).Msg("Expected dst and workspace")
	}
	for _, nt := range tensors {
		dims := nt.Tensor.Dims()
		if dims[0] != 2 || dims[1] != 8 || dims[2] != 3 || dims[3] != 3 {
			log.Fatal().Str("name", nt.Name).Ints("dims", dims).Msg("Shape mismatch")
		}
		log.Info().Str("name", nt.Name).Ints("dims", dims).Str("dtype", nt.Tensor.DataType().String()).Msg("Output valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
