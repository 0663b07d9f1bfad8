package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// FlightClient runs forward passes on a remote attention kernel over
// Arrow Flight.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	alloc   memory.Allocator
	breaker *Breaker
}

// NewFlightClient creates a new Flight client connected to the given
// address without transport security.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		alloc:   memory.NewGoAllocator(),
		breaker: NewBreaker(5, 10*time.Second),
	}, nil
}

// Exchange streams q, k and v through the remote kernel's DoExchange
// endpoint with p riding in the flight descriptor, and decodes the
// returned output tensor and logsumexp rows. B and H in p are
// overwritten from the tensor shape. While the breaker is open after
// repeated failures, Exchange fails fast with ErrKernelUnavailable.
func (c *FlightClient) Exchange(ctx context.Context, q, k, v *tensor.Tensor, p Params) (*tensor.Tensor, *tensor.Rows, error) {
	if !c.breaker.Allow() {
		return nil, nil, ErrKernelUnavailable
	}
	o, l, err := c.exchange(ctx, q, k, v, p)
	if err != nil {
		c.breaker.Failure()
		return nil, nil, err
	}
	c.breaker.Success()
	return o, l, nil
}

func (c *FlightClient) exchange(ctx context.Context, q, k, v *tensor.Tensor, p Params) (*tensor.Tensor, *tensor.Rows, error) {
	b, h, _, d := q.Dims()
	p.B, p.H = b, h
	cmd, err := EncodeParams(p)
	if err != nil {
		return nil, nil, err
	}

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, nil, err
	}

	rec := BuildInputRecord(q, k, v)
	defer rec.Release()

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(InputSchema(d)))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})
	if err := wr.Write(rec); err != nil {
		return nil, nil, err
	}
	if err := wr.Close(); err != nil {
		return nil, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, nil, err
	}

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, nil, err
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("kernel returned no batches")
	}
	return OutputTensors(rdr.Record(), b, h)
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
