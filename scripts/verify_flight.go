//go:build ignore

package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Bodkin Flight Server")

	// Retry connection loop
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

	rng := rand.New(rand.NewSource(42))
	b, h, n, d := 2, 2, 16, 8
	q := randTensor(rng, b, h, n, d)
	k := randTensor(rng, b, h, n, d)
	v := randTensor(rng, b, h, n, d)

	log.Info().Int("rows", b*h*n).Msg("Sending tensors")

	start := time.Now()
	o, l, err := c.Exchange(context.Background(), q, k, v, client.Params{Causal: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Exchange failed")
	}
	elapsed := time.Since(start)

	log.Info().Dur("elapsed", elapsed).Msg("Received outputs")

	// The remote kernel must match a local run bit for bit.
	wantO := tensor.New(b, h, n, d)
	wantL := tensor.NewRows(b, h, n)
	attention.Forward(q, k, v, wantO, wantL, attention.Config{Causal: true})

	for i, got := range o.Data() {
		if got != wantO.Data()[i] {
			log.Fatal().Int("index", i).Float32("got", got).Float32("want", wantO.Data()[i]).Msg("Output mismatch")
		}
	}
	for i, got := range l.Data() {
		if got != wantL.Data()[i] {
			log.Fatal().Int("index", i).Float32("got", got).Float32("want", wantL.Data()[i]).Msg("Logsumexp mismatch")
		}
	}

	fmt.Println("VERIFICATION PASSED")
}

func randTensor(rng *rand.Rand, b, h, n, d int) *tensor.Tensor {
	t := tensor.New(b, h, n, d)
	data := t.Data()
	for i := range data {
		data[i] = rng.Float32()*2.0 - 1.0
	}
	return t
}
