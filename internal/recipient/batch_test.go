package recipient

import (
	"fmt"
	"slices"
	"testing"
)

func addresses(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("user%d@example.com", i)
	}
	return out
}

func TestSplit_Bounded(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 7, 10, 11, 100} {
		for _, size := range []int{1, 3, 5, 10, 250} {
			size := size
			t.Run(fmt.Sprintf("n=%d/size=%d", n, size), func(t *testing.T) {
				t.Parallel()

				input := addresses(n)
				batches := Split(input, size)

				wantBatches := (n + size - 1) / size
				if len(batches) != wantBatches {
					t.Fatalf("batches: got %d, want %d", len(batches), wantBatches)
				}

				var joined []string
				total := 0
				for i, b := range batches {
					if len(b) == 0 || len(b) > size {
						t.Errorf("batch %d size %d outside (0, %d]", i, len(b), size)
					}
					if i < len(batches)-1 && len(b) != size {
						t.Errorf("non-final batch %d size: got %d, want %d", i, len(b), size)
					}
					total += len(b)
					joined = append(joined, b...)
				}

				if total != n {
					t.Errorf("total: got %d, want %d", total, n)
				}
				if !slices.Equal(joined, input) {
					t.Error("concatenated batches do not reproduce the input order")
				}

				last := batches[len(batches)-1]
				wantLast := n % size
				if wantLast == 0 {
					wantLast = size
				}
				if len(last) != wantLast {
					t.Errorf("last batch: got %d, want %d", len(last), wantLast)
				}
			})
		}
	}
}

func TestSplit_Unbounded(t *testing.T) {
	t.Parallel()

	input := addresses(42)
	batches := Split(input, Unbounded)
	if len(batches) != 1 {
		t.Fatalf("batches: got %d, want 1", len(batches))
	}
	if !slices.Equal([]string(batches[0]), input) {
		t.Error("single batch differs from the input")
	}

	if got := Split(input, -3); len(got) != 1 {
		t.Errorf("negative size: got %d batches, want 1", len(got))
	}
}

func TestSplit_Empty(t *testing.T) {
	t.Parallel()

	if got := Split(nil, 5); got != nil {
		t.Errorf("got %v, want nil", got)
	}
	if got := Split([]string{}, Unbounded); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestSplit_DoesNotDeduplicate(t *testing.T) {
	t.Parallel()

	batches := Split([]string{"a@x", "a@x", "a@x"}, 2)
	if len(batches) != 2 || len(batches[0])+len(batches[1]) != 3 {
		t.Errorf("got %v", batches)
	}
}
