package main

import (
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// KernelFlightServer serves forward passes over Arrow Flight.
type KernelFlightServer struct {
	flight.BaseFlightServer
	alloc memory.Allocator
}

func NewKernelFlightServer() *KernelFlightServer {
	return &KernelFlightServer{
		alloc: memory.NewGoAllocator(),
	}
}

// DoExchange answers every input batch with one output batch. Kernel
// parameters ride in the stream's flight descriptor as CBOR.
func (s *KernelFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer reader.Release()

	var writer *flight.Writer
	for reader.Next() {
		desc := reader.LatestFlightDescriptor()
		if desc == nil {
			return status.Error(codes.InvalidArgument, "missing flight descriptor")
		}
		p, err := client.DecodeParams(desc.Cmd)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if err := p.Validate(); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if p.DType != "" {
			dt, err := attention.ParseDType(p.DType)
			if err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
			if dt != attention.F32 {
				return status.Errorf(codes.Unimplemented, "dtype %s not supported by the CPU kernel", dt)
			}
		}

		q, k, v, err := client.InputTensors(reader.Record(), p.B, p.H)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}

		b, h, n, d := q.Dims()
		o := tensor.New(b, h, n, d)
		l := tensor.NewRows(b, h, n)
		cfg := attention.Config{Br: p.Br, Bc: p.Bc, Causal: p.Causal, Workers: p.Workers}

		start := time.Now()
		attention.Forward(q, k, v, o, l, cfg)
		rowsProcessed.Add(float64(b * h * n))
		log.Debug().Int("rows", b*h*n).Dur("elapsed", time.Since(start)).Msg("DoExchange batch served")

		out := client.BuildOutputRecord(o, l)
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(client.OutputSchema(d)))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			return err
		}
	}
	return reader.Err()
}

func StartFlightServer(addr string) {
	// Create the generic Flight Server which manages the GRPC lifecycle
	server := flight.NewFlightServer()

	// Register our custom service implementation
	server.RegisterFlightService(NewKernelFlightServer())

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
