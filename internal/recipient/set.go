// Package recipient builds the deduplicated recipient list of a run and
// splits it into session-sized batches.
package recipient

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"

	"github.com/shineum/sendipede/internal/errs"
)

// Set is a list of unique recipient addresses. It keeps first-seen order,
// but callers must not rely on any particular ordering.
type Set []string

// NewSet takes the first field of each row as an address. Remaining fields
// are ignored, surrounding whitespace is trimmed, and rows without a
// non-empty first field are skipped. Duplicates collapse to one entry.
func NewSet(rows [][]string) Set {
	addresses := lo.FilterMap(rows, func(row []string, _ int) (string, bool) {
		if len(row) == 0 {
			return "", false
		}
		addr := strings.TrimSpace(row[0])
		return addr, addr != ""
	})
	return Set(lo.Uniq(addresses))
}

// Read parses CSV rows from r and builds a Set. Rows may have any number of
// fields. Read failures are reported as *errs.InputError naming source.
func Read(r io.Reader, source string) (Set, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	var rows [][]string
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &errs.InputError{Source: source, Err: err}
		}
		rows = append(rows, row)
	}

	return NewSet(rows), nil
}

// ReadFile opens path and reads its recipients with Read.
func ReadFile(path string) (Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errs.InputError{Source: path, Err: err}
	}
	defer f.Close()

	return Read(f, path)
}

// Len returns the number of unique addresses.
func (s Set) Len() int {
	return len(s)
}
