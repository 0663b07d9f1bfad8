// Package attention implements the forward pass of scaled dot-product
// attention over [batch, heads, seq, dim] float32 tensors: a tiled
// streaming-softmax kernel that never materializes the full N x N
// score matrix, and a brute-force reference used to validate it.
package attention

import (
	"math"
	"sync"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// scratch is the transient working set one worker needs for one query
// tile: Br row states backed by a single accumulator block, plus a
// score buffer spanning one key tile.
type scratch struct {
	states []RowState
	acc    []float32
	scores []float32
}

var scratchPool = sync.Pool{
	New: func() any { return new(scratch) },
}

func getScratch(br, bc, d int) *scratch {
	s := scratchPool.Get().(*scratch)
	if cap(s.states) >= br && cap(s.acc) >= br*d && cap(s.scores) >= bc {
		s.states = s.states[:br]
		s.acc = s.acc[:br*d]
		s.scores = s.scores[:bc]
		scratchHits.Inc()
	} else {
		s.states = make([]RowState, br)
		s.acc = make([]float32, br*d)
		s.scores = make([]float32, bc)
		scratchMisses.Inc()
	}
	return s
}

func putScratch(s *scratch) {
	scratchPool.Put(s)
}

// Forward computes O = softmax(Q K^T / sqrt(D)) V over [B, H, N, D]
// tensors with blockwise streaming softmax, writing the per-row
// logsumexp into l. Q, K and V are read-only; o and l are fully
// overwritten. Shape agreement is a caller precondition and is not
// validated. With cfg.Causal set, keys after the query position are
// masked to -Inf without computing their scores.
//
// Work is split over cfg.Workers goroutines along the flattened
// (batch, head, query-tile) axis; every unit owns disjoint output
// rows and private scratch, so the result is identical for any worker
// count. All scratch is acquired before the first output write, which
// keeps o and l untouched if allocation fails.
func Forward(q, k, v, o *tensor.Tensor, l *tensor.Rows, cfg Config) {
	begin := time.Now()
	b, h, n, d := q.Dims()
	cfg = cfg.normalized(n)

	p := &forwardPass{
		q: q, k: k, v: v, o: o, l: l,
		cfg:   cfg,
		n:     n,
		d:     d,
		scale: float32(1 / math.Sqrt(float64(d))),
		tr:    (n + cfg.Br - 1) / cfg.Br,
		tc:    (n + cfg.Bc - 1) / cfg.Bc,
	}

	units := b * h * p.tr
	workers := cfg.Workers
	if workers > units {
		workers = units
	}

	scratches := make([]*scratch, workers)
	for w := range scratches {
		scratches[w] = getScratch(cfg.Br, cfg.Bc, d)
	}
	defer func() {
		for _, s := range scratches {
			putScratch(s)
		}
	}()

	unitsPerWorker := (units + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * unitsPerWorker
		end := start + unitsPerWorker
		if start >= units {
			break
		}
		if end > units {
			end = units
		}

		wg.Add(1)
		go func(sc *scratch, start, end int) {
			defer wg.Done()
			for u := start; u < end; u++ {
				ti := u % p.tr
				bh := u / p.tr
				p.tile(sc, bh/h, bh%h, ti)
			}
		}(scratches[w], start, end)
	}
	wg.Wait()

	forwardRows.Add(float64(b * h * n))
	forwardDuration.Observe(time.Since(begin).Seconds())
}

// forwardPass holds the per-invocation constants shared by all
// workers. Everything here is read-only during the parallel phase.
type forwardPass struct {
	q, k, v *tensor.Tensor
	o       *tensor.Tensor
	l       *tensor.Rows
	cfg     Config
	n, d    int
	scale   float32
	tr, tc  int
}

// tile processes one (batch, head, query-tile) unit: streams every
// key tile through the row states, then finalizes the owned output
// rows.
func (p *forwardPass) tile(sc *scratch, bi, hi, ti int) {
	d := p.d
	qh := p.q.Head(bi, hi)
	kh := p.k.Head(bi, hi)
	vh := p.v.Head(bi, hi)
	oh := p.o.Head(bi, hi)
	lh := p.l.Head(bi, hi)

	q0 := ti * p.cfg.Br
	qn := p.cfg.Br
	if q0+qn > p.n {
		qn = p.n - q0
	}

	states := sc.states[:qn]
	for r := range states {
		states[r].Bind(sc.acc[r*d : (r+1)*d])
	}

	for tj := 0; tj < p.tc; tj++ {
		k0 := tj * p.cfg.Bc
		if p.cfg.Causal && k0 > q0+qn-1 {
			// This and every later key tile sit entirely above the
			// diagonal for all rows of the query tile.
			break
		}
		kn := p.cfg.Bc
		if k0+kn > p.n {
			kn = p.n - k0
		}
		vBlock := vh[k0*d : (k0+kn)*d]

		for r := 0; r < qn; r++ {
			qIdx := q0 + r
			qRow := qh[qIdx*d : (qIdx+1)*d]
			scores := sc.scores[:kn]
			for c := 0; c < kn; c++ {
				kIdx := k0 + c
				if p.cfg.Causal && kIdx > qIdx {
					scores[c] = negInf
					continue
				}
				scores[c] = simd.Dot(qRow, kh[kIdx*d:(kIdx+1)*d]) * p.scale
			}
			states[r].Update(scores, vBlock)
		}
	}

	for r := 0; r < qn; r++ {
		qIdx := q0 + r
		lh[qIdx] = states[r].Finalize(oh[qIdx*d : (qIdx+1)*d])
	}
}
