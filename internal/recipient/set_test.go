package recipient

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/shineum/sendipede/internal/errs"
)

func TestNewSet(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows [][]string
		want []string
	}{
		{
			name: "duplicates collapse",
			rows: [][]string{{"a@example.com"}, {"b@example.com"}, {"a@example.com"}},
			want: []string{"a@example.com", "b@example.com"},
		},
		{
			name: "extra fields ignored",
			rows: [][]string{{"a@example.com", "Alice", "VIP"}, {"a@example.com", "Other"}},
			want: []string{"a@example.com"},
		},
		{
			name: "empty rows and fields skipped",
			rows: [][]string{{}, {""}, {"   "}, {"c@example.com"}},
			want: []string{"c@example.com"},
		},
		{
			name: "whitespace trimmed before dedup",
			rows: [][]string{{" d@example.com"}, {"d@example.com "}},
			want: []string{"d@example.com"},
		},
		{
			name: "no rows",
			rows: nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := NewSet(tt.rows)
			if got.Len() != len(tt.want) {
				t.Fatalf("Len: got %d (%v), want %d", got.Len(), got, len(tt.want))
			}
			sortedGot := append([]string(nil), got...)
			slices.Sort(sortedGot)
			sortedWant := append([]string(nil), tt.want...)
			slices.Sort(sortedWant)
			if !slices.Equal(sortedGot, sortedWant) {
				t.Errorf("members: got %v, want %v", sortedGot, sortedWant)
			}
		})
	}
}

func TestNewSet_EachAddressExactlyOnce(t *testing.T) {
	t.Parallel()

	var rows [][]string
	for i := 0; i < 50; i++ {
		for _, addr := range []string{"x@example.com", "y@example.com", "z@example.com"} {
			rows = append(rows, []string{addr, "ignored"})
		}
	}

	counts := make(map[string]int)
	for _, addr := range NewSet(rows) {
		counts[addr]++
	}
	if len(counts) != 3 {
		t.Fatalf("distinct: got %d, want 3", len(counts))
	}
	for addr, n := range counts {
		if n != 1 {
			t.Errorf("%s appears %d times", addr, n)
		}
	}
}

func TestRead(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"alice@example.com,Alice",
		"bob@example.com",
		"",
		"alice@example.com,Alice again",
		`"carol@example.com","Carol, Jr."`,
	}, "\n")

	set, err := Read(strings.NewReader(input), "inline")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"alice@example.com", "bob@example.com", "carol@example.com"}
	sorted := append([]string(nil), set...)
	slices.Sort(sorted)
	if !slices.Equal(sorted, want) {
		t.Errorf("got %v, want %v", set, want)
	}
}

func TestReadFile_Missing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.csv")
	_, err := ReadFile(path)
	var inputErr *errs.InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("error: got %v, want *errs.InputError", err)
	}
	if inputErr.Source != path {
		t.Errorf("Source: got %q, want %q", inputErr.Source, path)
	}
}

func TestReadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "addresses.csv")
	if err := os.WriteFile(path, []byte("one@example.com\ntwo@example.com\none@example.com\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	set, err := ReadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("Len: got %d, want 2", set.Len())
	}
}
