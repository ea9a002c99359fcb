package feed

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/catalog-enrich/internal/model"
)

// CSVOptions configures the streaming CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads CSV rows, header included, and sends them to a channel.
// Caller must consume the returned row channel. Both channels are closed
// when processing completes.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan []string, <-chan error) {
	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		if opts.Comment != 0 {
			reader.Comment = opts.Comment
		}
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1 // allow variable fields

		for {
			record, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			if opts.TrimSpace {
				for i, field := range record {
					record[i] = strings.TrimSpace(field)
				}
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return rowCh, errCh
}

// XLSXOptions configures the XLSX parser.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// ReadXLSX reads a workbook from r and returns all rows of one sheet as
// string slices.
func ReadXLSX(r io.Reader, opts XLSXOptions) ([][]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: read workbook")
	}
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = strings.TrimSpace(cell.String())
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

// columnAliases maps header spellings seen in retailer exports to record
// fields.
var columnAliases = map[string]string{
	"id":           "id",
	"product_id":   "id",
	"name":         "name",
	"title":        "name",
	"product_name": "name",
	"category":     "category",
	"brand":        "brand",
	"manufacturer": "brand",
	"price":        "price",
	"retailer":     "retailer",
	"store":        "retailer",
	"seller":       "retailer",
	"sku":          "sku",
	"scraped_at":   "scraped_at",
}

// fromRows maps a header row plus data rows to records. Blank rows are
// skipped; a row without a name is an error.
func fromRows(rows <-chan []string, errc <-chan error) ([]model.Record, error) {
	var (
		cols    map[string]int
		records []model.Record
		rowErr  error
		rowNum  int
	)
	for row := range rows {
		rowNum++
		if rowErr != nil {
			continue
		}
		if cols == nil {
			cols = headerIndex(row)
			if _, ok := cols["name"]; !ok {
				rowErr = eris.New("feed: header has no name column")
			}
			continue
		}
		if blank(row) {
			continue
		}
		rec, err := rowToRecord(cols, row)
		if err != nil {
			rowErr = eris.Wrapf(err, "feed: row %d", rowNum)
			continue
		}
		records = append(records, rec)
	}
	if errc != nil {
		for err := range errc {
			if err != nil {
				return nil, err
			}
		}
	}
	if rowErr != nil {
		return nil, rowErr
	}
	return records, nil
}

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(h))
		key = strings.ReplaceAll(key, " ", "_")
		if field, ok := columnAliases[key]; ok {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}
	return cols
}

func rowToRecord(cols map[string]int, row []string) (model.Record, error) {
	get := func(field string) string {
		i, ok := cols[field]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	rec := model.Record{
		ID:       get("id"),
		Name:     get("name"),
		Category: get("category"),
		Brand:    get("brand"),
		Retailer: get("retailer"),
		SKU:      get("sku"),
	}
	if rec.Name == "" {
		return model.Record{}, eris.New("name is empty")
	}
	if raw := get("price"); raw != "" {
		p, err := parsePrice(raw)
		if err != nil {
			return model.Record{}, err
		}
		rec.Price = p
	}
	if raw := get("scraped_at"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return model.Record{}, eris.Wrapf(err, "scraped_at %q", raw)
		}
		rec.ScrapedAt = ts
	}
	return rec, nil
}

// parsePrice accepts plain numbers with an optional currency symbol and
// thousands separators ("$1,299.00").
func parsePrice(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimLeft(s, "$€£ ")
	s = strings.ReplaceAll(s, ",", "")
	p, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "price %q", raw)
	}
	if p < 0 {
		return 0, eris.Errorf("price %q is negative", raw)
	}
	return p, nil
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
