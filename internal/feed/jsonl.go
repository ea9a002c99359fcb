package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/catalog-enrich/internal/model"
)

const maxLineBytes = 1 << 20

// ReadJSONL decodes one record per non-empty line.
func ReadJSONL(r io.Reader) ([]model.Record, error) {
	var records []model.Record
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec model.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, eris.Wrapf(err, "jsonl: decode record on line %d", line)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "jsonl: read records")
	}
	return records, nil
}

// ReadJSONArray decodes a top-level array of records element by element,
// checking ctx between elements. An empty input yields no records.
func ReadJSONArray(ctx context.Context, r io.Reader) ([]model.Record, error) {
	dec := json.NewDecoder(r)
	tok, err := dec.Token()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "json: read opening token")
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, eris.Errorf("json: feed must be an array of records, got %v", tok)
	}

	var records []model.Record
	for i := 0; dec.More(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "json: read canceled")
		}
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return nil, eris.Wrapf(err, "json: decode record %d", i)
		}
		records = append(records, rec)
	}
	if _, err := dec.Token(); err != nil {
		return nil, eris.Wrap(err, "json: read closing token")
	}
	return records, nil
}
