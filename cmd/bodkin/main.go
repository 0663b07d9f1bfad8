package main

import (
	"flag"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	serverAddr    = flag.String("server", "", "Remote kernel Flight address (e.g. localhost:9090)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	duration      = flag.Duration("duration", 0, "Run soak loop for specified duration (e.g. 10s, 20m)")
	maxConcurrent = flag.Int("max-concurrent", 1<<20, "Maximum number of rows to admit concurrently")
	batchSize     = flag.Int("batch", 1, "Batch size B")
	numHeads      = flag.Int("heads", 8, "Attention heads H")
	seqLen        = flag.Int("seqlen", 512, "Sequence length N")
	headDim       = flag.Int("headdim", 64, "Head dimension D")
	tileRows      = flag.Int("br", attention.DefaultBr, "Query tile height")
	tileCols      = flag.Int("bc", attention.DefaultBc, "Key tile width")
	causalMask    = flag.Bool("causal", false, "Apply the causal mask")
	kernelWorkers = flag.Int("workers", 0, "Worker goroutines (0 = all CPUs)")
	precision     = flag.String("dtype", "f32", "Input precision (f32, f16, bf16)")
	randSeed      = flag.Int64("seed", 1, "Seed for random inputs")
	benchRuns     = flag.Int("runs", 5, "Timed runs per benchmark")
	benchWarmup   = flag.Int("warmup", 2, "Warmup runs before timing")
	benchNaive    = flag.Bool("naive", false, "Also benchmark the reference kernel")
	matmulBench   = flag.Bool("matmul", false, "Run the matmul benchmark instead of attention")
	matmulSize    = flag.Int("matmul-size", 1024, "Matrix size for the matmul benchmark")
	matmulSweep   = flag.String("sweep", "1,2,4,8,16", "Comma separated worker counts for the matmul sweep")
	jsonOut       = flag.String("json-out", "", "Write benchmark results as JSON to file")
	arrowOut      = flag.String("arrow-out", "", "Write final outputs as an Arrow IPC stream to file")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

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

	// Server Mode
	if *listenAddr != "" {
		go startServer(*listenAddr, *maxConcurrent)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr)
		return
	}

	if *matmulBench {
		counts, err := parseSweep(*matmulSweep)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad sweep")
		}
		rng := rand.New(rand.NewSource(*randSeed))
		results := runMatmulBench(rng, *matmulSize, counts, *benchRuns, *benchWarmup)
		reportResults(results)
		if *jsonOut != "" {
			writeJSON(*jsonOut, results)
		}
		return
	}

	dt, err := attention.ParseDType(*precision)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad dtype")
	}

	rng := rand.New(rand.NewSource(*randSeed))
	b, h, n, d := *batchSize, *numHeads, *seqLen, *headDim
	q := randTensor(rng, b, h, n, d)
	k := randTensor(rng, b, h, n, d)
	v := randTensor(rng, b, h, n, d)
	cfg := attention.Config{Br: *tileRows, Bc: *tileCols, Causal: *causalMask, Workers: *kernelWorkers}

	if dt != attention.F32 {
		diff := quantizeInputs(q, k, v, cfg, dt)
		log.Info().Str("dtype", dt.String()).Float64("max_abs_diff", diff).Msg("Quantized inputs")
	}

	if *serverAddr != "" {
		runRemote(*serverAddr, q, k, v, cfg, *duration)
		return
	}

	if *duration > 0 {
		runSoak(q, k, v, cfg, *duration)
		return
	}

	o := tensor.New(b, h, n, d)
	l := tensor.NewRows(b, h, n)
	results := runAttentionBench(q, k, v, o, l, cfg, *benchRuns, *benchWarmup, *benchNaive)
	reportResults(results)
	if *jsonOut != "" {
		writeJSON(*jsonOut, results)
	}
	if *arrowOut != "" {
		writeArrowFile(*arrowOut, o, l)
	}
}

// runRemote pushes the generated tensors through a remote kernel, either
// once or in a soak loop when dur is set.
func runRemote(addr string, q, k, v *tensor.Tensor, cfg attention.Config, dur time.Duration) {
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create flight client")
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()
	log.Info().Str("addr", addr).Msg("Connected to Flight Server")

	p := client.Params{Br: cfg.Br, Bc: cfg.Bc, Causal: cfg.Causal, Workers: cfg.Workers}
	b, h, n, _ := q.Dims()
	rows := b * h * n

	if dur > 0 {
		log.Info().Str("duration", dur.String()).Msg("Starting remote soak run")
		startTime := time.Now()
		endTime := startTime.Add(dur)
		var totalRows int64
		var iter int

		for time.Now().Before(endTime) {
			_, _, err := fc.Exchange(context.Background(), q, k, v, p)
			if err != nil {
				log.Error().Err(err).Msg("Exchange failed")
				time.Sleep(time.Second)
				continue
			}
			totalRows += int64(rows)
			iter++

			if iter%10 == 0 {
				elapsed := time.Since(startTime)
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int("iter", iter).
					Int64("total_rows", totalRows).
					Float64("rps", float64(totalRows)/elapsed.Seconds()).
					Msg("Soak progress")
			}
		}

		totalElapsed := time.Since(startTime)
		log.Info().
			Int64("total_rows", totalRows).
			Dur("total_time", totalElapsed).
			Float64("avg_rps", float64(totalRows)/totalElapsed.Seconds()).
			Msg("Soak complete")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	start := time.Now()
	o, l, err := fc.Exchange(ctx, q, k, v, p)
	if err != nil {
		log.Fatal().Err(err).Msg("Exchange failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Int("rows", rows).
		Dur("elapsed", elapsed).
		Float64("rps", float64(rows)/elapsed.Seconds()).
		Msg("Remote forward pass complete")

	if *arrowOut != "" {
		writeArrowFile(*arrowOut, o, l)
		return
	}

	// Example: write to Arrow IPC to stdout
	rec := client.BuildOutputRecord(o, l)
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func runSoak(q, k, v *tensor.Tensor, cfg attention.Config, dur time.Duration) {
	b, h, n, d := q.Dims()
	o := tensor.New(b, h, n, d)
	l := tensor.NewRows(b, h, n)
	rows := b * h * n

	log.Info().Str("duration", dur.String()).Msg("Starting soak run")
	startTime := time.Now()
	endTime := startTime.Add(dur)
	var totalRows int64
	var iter int

	for time.Now().Before(endTime) {
		attention.Forward(q, k, v, o, l, cfg)

		totalRows += int64(rows)
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_rows", totalRows).
				Float64("rps", float64(totalRows)/elapsed.Seconds()).
				Msg("Soak progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_rows", totalRows).
		Dur("total_time", totalElapsed).
		Float64("avg_rps", float64(totalRows)/totalElapsed.Seconds()).
		Msg("Soak complete")
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
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
