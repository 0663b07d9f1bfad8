package attention

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

var negInf = float32(math.Inf(-1))

func isFinite(x float32) bool {
	return !math.IsInf(float64(x), 0) && !math.IsNaN(float64(x))
}

// RowState carries the streaming-softmax statistics for one query row:
// the running maximum m over every score seen so far, the running sum
// l of exp(score - m), and an accumulator holding the exp-weighted sum
// of V rows under the same m. The three are rescaled together whenever
// a new block raises the maximum, so after any number of Update calls
// the state describes exactly the scores processed so far.
type RowState struct {
	m   float32
	l   float32
	acc []float32
}

// Bind points the accumulator at buf and resets the statistics.
// len(buf) sets the head dimension for subsequent Updates.
func (s *RowState) Bind(buf []float32) {
	s.acc = buf
	s.Reset()
}

// Reset returns the state to "no keys seen": m = -Inf, l = 0,
// accumulator zeroed.
func (s *RowState) Reset() {
	s.m = negInf
	s.l = 0
	for i := range s.acc {
		s.acc[i] = 0
	}
}

// Update folds one block of raw scores and the matching V rows into
// the state. values holds len(scores) rows of length len(acc), laid
// out row-major. Non-finite scores are masked columns: they contribute
// nothing and must not poison the accumulator.
func (s *RowState) Update(scores, values []float32) {
	d := len(s.acc)
	if len(values) != len(scores)*d {
		panic("attention: Update values length must be len(scores) * D")
	}

	rowMax := negInf
	for _, sc := range scores {
		if sc > rowMax {
			rowMax = sc
		}
	}

	mNew := s.m
	if rowMax > mNew {
		mNew = rowMax
	}

	// alpha corrects the earlier partial sums for the raised maximum.
	// While the running max is still -Inf nothing has been
	// accumulated, and exp(-Inf - mNew) would be NaN for a masked
	// mNew, so the first finite block replaces rather than blends.
	var alpha float32
	if isFinite(s.m) {
		alpha = float32(math.Exp(float64(s.m - mNew)))
	}
	s.l *= alpha
	simd.VecScale(s.acc, alpha)

	for c, sc := range scores {
		if !isFinite(sc) {
			continue
		}
		p := float32(math.Exp(float64(sc - mNew)))
		s.l += p
		simd.VecAddScaled(s.acc, values[c*d:(c+1)*d], p)
	}

	s.m = mNew
}

// Finalize writes the normalized output row into out and returns the
// row logsumexp m + log(l). A row that never saw a finite score has
// l = 0; the resulting 0/0 and log(0) follow IEEE semantics.
func (s *RowState) Finalize(out []float32) float32 {
	inv := 1 / s.l
	for i, v := range s.acc {
		out[i] = v * inv
	}
	return s.m + float32(math.Log(float64(s.l)))
}

// Max returns the running maximum score.
func (s *RowState) Max() float32 { return s.m }

// Sum returns the running sum of exp(score - Max).
func (s *RowState) Sum() float32 { return s.l }
