package tensor

import "testing"

func TestTensorIndexing(t *testing.T) {
	b, h, n, d := 2, 3, 4, 5
	ten := New(b, h, n, d)

	if got := ten.Len(); got != b*h*n*d {
		t.Fatalf("Len = %d, want %d", got, b*h*n*d)
	}

	// Write a unique value per coordinate and read it back three ways.
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			for ni := 0; ni < n; ni++ {
				for di := 0; di < d; di++ {
					v := float32(((bi*h+hi)*n+ni)*d + di)
					ten.Set(bi, hi, ni, di, v)
				}
			}
		}
	}

	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			head := ten.Head(bi, hi)
			if len(head) != n*d {
				t.Fatalf("Head(%d,%d) len = %d, want %d", bi, hi, len(head), n*d)
			}
			for ni := 0; ni < n; ni++ {
				row := ten.Row(bi, hi, ni)
				if len(row) != d {
					t.Fatalf("Row(%d,%d,%d) len = %d, want %d", bi, hi, ni, len(row), d)
				}
				for di := 0; di < d; di++ {
					want := float32(((bi*h+hi)*n+ni)*d + di)
					if got := ten.At(bi, hi, ni, di); got != want {
						t.Fatalf("At(%d,%d,%d,%d) = %v, want %v", bi, hi, ni, di, got, want)
					}
					if got := head[ni*d+di]; got != want {
						t.Fatalf("Head slice[%d] = %v, want %v", ni*d+di, got, want)
					}
					if got := row[di]; got != want {
						t.Fatalf("Row slice[%d] = %v, want %v", di, got, want)
					}
				}
			}
		}
	}
}

func TestWrapSharesBacking(t *testing.T) {
	data := make([]float32, 2*2*3*4)
	ten := Wrap(2, 2, 3, 4, data)

	ten.Set(1, 1, 2, 3, 7.5)
	if data[len(data)-1] != 7.5 {
		t.Fatalf("Wrap copied instead of adopting the slice")
	}
	data[0] = 2.5
	if ten.At(0, 0, 0, 0) != 2.5 {
		t.Fatalf("backing array write not visible through tensor")
	}
}

func TestWrapLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Wrap with short data did not panic")
		}
	}()
	Wrap(2, 2, 3, 4, make([]float32, 5))
}

func TestNewRejectsNonPositiveDims(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("New with zero dim did not panic")
		}
	}()
	New(1, 0, 4, 4)
}

func TestCloneIsDeep(t *testing.T) {
	ten := New(1, 1, 2, 2)
	ten.Fill(1)
	dup := ten.Clone()
	dup.Set(0, 0, 0, 0, 9)
	if ten.At(0, 0, 0, 0) != 1 {
		t.Fatalf("Clone shares backing storage with original")
	}
}

func TestRowsIndexing(t *testing.T) {
	b, h, n := 2, 3, 4
	r := NewRows(b, h, n)
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			for ni := 0; ni < n; ni++ {
				r.Set(bi, hi, ni, float32((bi*h+hi)*n+ni))
			}
		}
	}
	for bi := 0; bi < b; bi++ {
		for hi := 0; hi < h; hi++ {
			head := r.Head(bi, hi)
			for ni := 0; ni < n; ni++ {
				want := float32((bi*h+hi)*n + ni)
				if got := r.At(bi, hi, ni); got != want {
					t.Fatalf("At(%d,%d,%d) = %v, want %v", bi, hi, ni, got, want)
				}
				if head[ni] != want {
					t.Fatalf("Head slice[%d] = %v, want %v", ni, head[ni], want)
				}
			}
		}
	}
}

func TestWrapRowsLengthMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("WrapRows with short data did not panic")
		}
	}()
	WrapRows(2, 2, 3, make([]float32, 7))
}
