// Package feed parses retailer product feeds (JSONL, JSON arrays, CSV and
// XLSX) into records.
package feed

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/model"
)

// Format is a feed encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatXLSX  Format = "xlsx"
)

// ParseFormat accepts a format name, case-insensitively. "ndjson" is an
// alias for jsonl.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSONL, FormatJSON, FormatCSV, FormatXLSX:
		return f, nil
	case "ndjson":
		return FormatJSONL, nil
	default:
		return "", eris.Errorf("feed: unknown format %q", s)
	}
}

// DetectFormat picks the format from a file extension, defaulting to jsonl.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".csv", ".tsv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatJSONL
	}
}

// Options configures tabular feeds. JSON formats ignore them.
type Options struct {
	Delimiter rune   // CSV only, default ','
	SheetName string // XLSX only, default first sheet
}

// Read decodes every record in r. Rows whose name is empty are rejected
// with their line or row number.
func Read(ctx context.Context, r io.Reader, format Format, opts Options) ([]model.Record, error) {
	switch format {
	case FormatJSONL:
		return ReadJSONL(r)
	case FormatJSON:
		return ReadJSONArray(ctx, r)
	case FormatCSV:
		rows, errc := StreamCSV(ctx, r, CSVOptions{Delimiter: opts.Delimiter, TrimSpace: true})
		return fromRows(rows, errc)
	case FormatXLSX:
		rows, err := ReadXLSX(r, XLSXOptions{SheetName: opts.SheetName})
		if err != nil {
			return nil, err
		}
		return fromRows(sliceRows(rows), nil)
	default:
		return nil, eris.Errorf("feed: unknown format %q", format)
	}
}

func sliceRows(rows [][]string) <-chan []string {
	ch := make(chan []string, len(rows))
	for _, r := range rows {
		ch <- r
	}
	close(ch)
	return ch
}
