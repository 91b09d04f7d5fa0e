package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"
)

// column is one header entry: its normalised name, position and unit.
type column struct {
	index int
	unit  string
}

// header maps normalised column names to their position.
type header map[string]column

// lookup returns the first alias present in the header.
func (h header) lookup(aliases ...string) (column, bool) {
	for _, alias := range aliases {
		if c, ok := h[alias]; ok {
			return c, true
		}
	}
	return column{}, false
}

// field returns the raw text of the first alias present in row, or "" when
// the header lacks the column or the row is too short.
func (h header) field(row []string, aliases ...string) (string, bool) {
	c, ok := h.lookup(aliases...)
	if !ok || c.index >= len(row) {
		return "", false
	}
	return row[c.index], true
}

// nvidia-smi csv headers look like "memory.used [MiB]".
func parseCSVHeader(fields []string) header {
	h := make(header, len(fields))
	for i, f := range fields {
		name, unit := strings.TrimSpace(f), ""
		if open := strings.IndexByte(name, '['); open >= 0 {
			if end := strings.IndexByte(name[open:], ']'); end > 0 {
				unit = strings.TrimSpace(name[open+1 : open+end])
			}
			name = strings.TrimSpace(name[:open])
		}
		h[strings.ToLower(name)] = column{index: i, unit: unit}
	}
	return h
}

// csvRows reads comma separated rows, calling fn for each. Rows the csv
// reader rejects are reported through bad and reading continues.
func csvRows(raw []byte, fn func(line int, row []string), bad func(line int, err error)) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.LazyQuotes = true
	r.ReuseRecord = false
	line := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		line++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				bad(line, err)
				continue
			}
			bad(line, err)
			return
		}
		for i := range row {
			row[i] = strings.TrimSpace(row[i])
		}
		fn(line, row)
	}
}

// wsHeader indexes a whitespace separated header line.
func wsHeader(tokens []string) header {
	h := make(header, len(tokens))
	for i, t := range tokens {
		h[strings.ToLower(strings.TrimSuffix(t, ":"))] = column{index: i}
	}
	return h
}

// lines splits raw output into lines.
func lines(raw []byte) []string {
	return strings.Split(strings.ReplaceAll(string(raw), "\r\n", "\n"), "\n")
}

func isBlank(raw []byte) bool {
	return len(bytes.TrimSpace(raw)) == 0
}
