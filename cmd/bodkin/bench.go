package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/matmul"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// benchResult is one benchmark row, also serialized by -json-out.
type benchResult struct {
	Name      string  `json:"name"`
	Shape     string  `json:"shape"`
	Workers   int     `json:"workers"`
	Runs      int     `json:"runs"`
	MeanSec   float64 `json:"mean_sec"`
	StddevSec float64 `json:"stddev_sec"`
	GFLOPS    float64 `json:"gflops"`
}

func randTensor(rng *rand.Rand, b, h, n, d int) *tensor.Tensor {
	t := tensor.New(b, h, n, d)
	data := t.Data()
	for i := range data {
		data[i] = rng.Float32()*2.0 - 1.0
	}
	return t
}

func randFloats(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2.0 - 1.0
	}
	return out
}

func timeRuns(warmup, runs int, fn func()) []float64 {
	for i := 0; i < warmup; i++ {
		fn()
	}
	secs := make([]float64, runs)
	for i := range secs {
		start := time.Now()
		fn()
		secs[i] = time.Since(start).Seconds()
	}
	return secs
}

func summarize(name, shape string, workers int, secs []float64, flops float64) benchResult {
	mean := stat.Mean(secs, nil)
	var sd float64
	if len(secs) > 1 {
		sd = stat.StdDev(secs, nil)
	}
	return benchResult{
		Name:      name,
		Shape:     shape,
		Workers:   workers,
		Runs:      len(secs),
		MeanSec:   mean,
		StddevSec: sd,
		GFLOPS:    flops / mean / 1e9,
	}
}

// attentionFlops counts the multiply-adds of QK^T and PV as two flops
// each. The causal mask scores only the lower triangle.
func attentionFlops(b, h, n, d int, causal bool) float64 {
	scored := float64(n) * float64(n)
	if causal {
		scored = float64(n) * float64(n+1) / 2
	}
	return 4 * float64(b*h*d) * scored
}

func runAttentionBench(q, k, v, o *tensor.Tensor, l *tensor.Rows, cfg attention.Config, runs, warmup int, alsoNaive bool) []benchResult {
	b, h, n, d := q.Dims()
	shape := fmt.Sprintf("%dx%dx%dx%d", b, h, n, d)
	flops := attentionFlops(b, h, n, d, cfg.Causal)
	resolved := cfg.Workers
	if resolved <= 0 {
		resolved = runtime.NumCPU()
	}

	secs := timeRuns(warmup, runs, func() {
		attention.Forward(q, k, v, o, l, cfg)
	})
	results := []benchResult{summarize("flash_forward", shape, resolved, secs, flops)}
	log.Info().
		Str("shape", shape).
		Bool("causal", cfg.Causal).
		Float64("mean_sec", results[0].MeanSec).
		Float64("gflops", results[0].GFLOPS).
		Msg("Flash forward benchmark")

	if alsoNaive {
		secs := timeRuns(warmup, runs, func() {
			attention.Naive(q, k, v, o, l, cfg.Causal)
		})
		r := summarize("naive_forward", shape, 1, secs, flops)
		results = append(results, r)
		log.Info().
			Float64("mean_sec", r.MeanSec).
			Float64("speedup", r.MeanSec/results[0].MeanSec).
			Msg("Naive forward benchmark")
	}
	return results
}

func runMatmulBench(rng *rand.Rand, size int, workerCounts []int, runs, warmup int) []benchResult {
	a := randFloats(rng, size*size)
	b := randFloats(rng, size*size)
	c := make([]float32, size*size)
	shape := fmt.Sprintf("%dx%dx%d", size, size, size)
	flops := 2 * float64(size) * float64(size) * float64(size)

	secs := timeRuns(warmup, runs, func() {
		matmul.Mul(a, b, c, size, size, size)
	})
	results := []benchResult{summarize("matmul_single", shape, 1, secs, flops)}

	for _, workers := range workerCounts {
		workers := workers
		secs := timeRuns(warmup, runs, func() {
			matmul.MulParallel(a, b, c, size, size, size, workers)
		})
		results = append(results, summarize("matmul_parallel", shape, workers, secs, flops))
	}

	secs = timeRuns(warmup, runs, func() {
		matmul.MulBLAS(a, b, c, size, size, size)
	})
	results = append(results, summarize("matmul_blas", shape, 1, secs, flops))

	for _, r := range results {
		log.Info().
			Str("name", r.Name).
			Int("workers", r.Workers).
			Float64("mean_sec", r.MeanSec).
			Float64("gflops", r.GFLOPS).
			Msg("Matmul benchmark")
	}
	return results
}

// quantizeInputs rounds q, k and v to dt in place and returns the
// largest output divergence against the full precision kernel.
func quantizeInputs(q, k, v *tensor.Tensor, cfg attention.Config, dt attention.DType) float64 {
	b, h, n, d := q.Dims()
	ref := tensor.New(b, h, n, d)
	refL := tensor.NewRows(b, h, n)
	attention.Forward(q, k, v, ref, refL, cfg)

	for _, t := range []*tensor.Tensor{q, k, v} {
		dt.Quantize(t.Data())
	}

	out := tensor.New(b, h, n, d)
	outL := tensor.NewRows(b, h, n)
	attention.Forward(q, k, v, out, outL, cfg)

	var maxDiff float64
	for i, got := range out.Data() {
		diff := math.Abs(float64(got) - float64(ref.Data()[i]))
		if diff > maxDiff {
			maxDiff = diff
		}
	}
	return maxDiff
}

func parseSweep(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	counts := make([]int, 0, len(parts))
	for _, part := range parts {
		workers, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad worker count %q: %w", part, err)
		}
		if workers < 1 {
			return nil, fmt.Errorf("worker count must be positive, got %d", workers)
		}
		counts = append(counts, workers)
	}
	return counts, nil
}

func reportResults(results []benchResult) {
	p := message.NewPrinter(language.English)
	for _, r := range results {
		p.Printf("%-15s %-14s workers=%-3d mean=%.4fs stddev=%.5fs %.2f GFLOP/s\n",
			r.Name, r.Shape, r.Workers, r.MeanSec, r.StddevSec, r.GFLOPS)
	}
}

func writeJSON(path string, results []benchResult) {
	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create json output file")
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		log.Fatal().Err(err).Msg("Failed to encode benchmark results")
	}
}

func writeArrowFile(path string, o *tensor.Tensor, l *tensor.Rows) {
	rec := client.BuildOutputRecord(o, l)
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create arrow output file")
	}
	defer f.Close()

	if err := writeArrowStream(f, rec); err != nil {
		log.Fatal().Err(err).Msg("Failed to write arrow stream")
	}
}

func writeArrowStream(w *os.File, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
