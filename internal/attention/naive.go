package attention

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/simd"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

// Naive computes exact softmax attention by materializing every score
// row in full: one global max, one softmax, one weighted sum, no
// streaming state. It exists to cross-check Forward and to serve as
// the trusted side of precision studies. l may be nil when logsumexp
// is not needed; when set it is computed from the same single max and
// sum rather than by rescaling. Shape agreement across the arguments
// is a caller precondition and is not validated.
func Naive(q, k, v, o *tensor.Tensor, l *tensor.Rows, causal bool) {
	b, h, n, d := q.Dims()
	scale := float32(1 / math.Sqrt(float64(d)))

	scores := make([]float32, n)
	probs := make([]float32, n)

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			qh := q.Head(bi, hi)
			kh := k.Head(bi, hi)
			vh := v.Head(bi, hi)
			oh := o.Head(bi, hi)
			var lh []float32
			if l != nil {
				lh = l.Head(bi, hi)
			}

			for i := 0; i < n; i++ {
				qRow := qh[i*d : (i+1)*d]

				m := negInf
				for j := 0; j < n; j++ {
					s := negInf
					if !causal || j <= i {
						s = simd.Dot(qRow, kh[j*d:(j+1)*d]) * scale
					}
					scores[j] = s
					if s > m {
						m = s
					}
				}

				var sum float32
				for j := 0; j < n; j++ {
					if !isFinite(scores[j]) {
						probs[j] = 0
						continue
					}
					p := float32(math.Exp(float64(scores[j] - m)))
					probs[j] = p
					sum += p
				}
				inv := 1 / sum

				out := oh[i*d : (i+1)*d]
				for z := range out {
					out[z] = 0
				}
				for j := 0; j < n; j++ {
					w := probs[j] * inv
					if w == 0 {
						continue
					}
					simd.VecAddScaled(out, vh[j*d:(j+1)*d], w)
				}

				if lh != nil {
					lh[i] = m + float32(math.Log(float64(sum)))
				}
			}
		}
	}
}
