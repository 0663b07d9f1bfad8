// Package matmul provides the dense row-major float32 multiply behind
// the benchmark harness: a single-threaded kernel, a row-partitioned
// parallel variant that reproduces it bit for bit, and a BLAS binding
// for cross-checks and speed comparisons.
package matmul

import (
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Mul computes c = a * b for row-major matrices: a is m x k, b is
// k x n, c is m x n and fully overwritten.
func Mul(a, b, c []float32, m, k, n int) {
	mulRows(a, b, c, 0, m, k, n)
}

// mulRows fills c rows [start, end). Both entry points go through it
// so every element sees the same summation order and MulParallel
// matches Mul bitwise.
func mulRows(a, b, c []float32, start, end, k, n int) {
	for i := start; i < end; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for kk := 0; kk < k; kk++ {
				sum += a[i*k+kk] * b[kk*n+j]
			}
			c[i*n+j] = sum
		}
	}
}

// MulParallel computes c = a * b with rows chunked over workers
// goroutines. Any worker count produces the same bits as Mul.
func MulParallel(a, b, c []float32, m, k, n, workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > m {
		workers = m
	}
	rowsPerWorker := (m + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if start >= m {
			break
		}
		if end > m {
			end = m
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			mulRows(a, b, c, start, end, k, n)
		}(start, end)
	}
	wg.Wait()
}

// MulBLAS computes c = a * b through the registered blas32
// implementation: pure Go by default, the netlib system BLAS when
// built with cgo.
func MulBLAS(a, b, c []float32, m, k, n int) {
	av := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	bv := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	cv := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, av, bv, 0, cv)
}
