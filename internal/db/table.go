package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Table describes a bulk-write target: its column order for COPY and the
// unique key used to merge rows on upsert.
type Table struct {
	Name    string   // optionally schema-qualified ("enrich.results")
	Columns []string // column order of every row
	Key     []string // unique key for Upsert
}

// Ident returns the table as a pgx identifier.
func (t Table) Ident() pgx.Identifier {
	if schema, name, ok := strings.Cut(t.Name, "."); ok {
		return pgx.Identifier{schema, name}
	}
	return pgx.Identifier{t.Name}
}

func (t Table) check(rows [][]any) error {
	if len(t.Columns) == 0 {
		return eris.Errorf("db: %s: no columns", t.Name)
	}
	for i, r := range rows {
		if len(r) != len(t.Columns) {
			return eris.Errorf("db: %s: row %d has %d values, want %d", t.Name, i, len(r), len(t.Columns))
		}
	}
	return nil
}

// Copy appends rows with the COPY protocol.
func (t Table) Copy(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := t.check(rows); err != nil {
		return 0, err
	}
	n, err := pool.CopyFrom(ctx, t.Ident(), t.Columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, eris.Wrapf(err, "db: COPY INTO %s", t.Name)
	}
	return n, nil
}

// stage is the transaction-scoped table rows are copied into before the
// merge.
func (t Table) stage() pgx.Identifier {
	return pgx.Identifier{"_stage_" + strings.ReplaceAll(t.Name, ".", "_")}
}

// Upsert merges rows on Key in one transaction: rows are copied into a
// staging table, then inserted with ON CONFLICT DO UPDATE of every non-key
// column.
func (t Table) Upsert(ctx context.Context, pool Pool, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(t.Key) == 0 {
		return 0, eris.Errorf("db: %s: upsert needs a key", t.Name)
	}
	if err := t.check(rows); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: %s: begin tx", t.Name)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := t.stage().Sanitize()
	target := t.Ident().Sanitize()
	if _, err := tx.Exec(ctx, "CREATE TEMP TABLE "+stage+" (LIKE "+target+" INCLUDING DEFAULTS) ON COMMIT DROP"); err != nil {
		return 0, eris.Wrapf(err, "db: %s: create staging table", t.Name)
	}
	if _, err := tx.CopyFrom(ctx, t.stage(), t.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: %s: COPY into staging table", t.Name)
	}

	tag, err := tx.Exec(ctx, t.mergeSQL(stage))
	if err != nil {
		return 0, eris.Wrapf(err, "db: %s: merge", t.Name)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: %s: commit", t.Name)
	}
	return tag.RowsAffected(), nil
}

func (t Table) mergeSQL(stage string) string {
	key := make(map[string]bool, len(t.Key))
	for _, k := range t.Key {
		key[k] = true
	}
	var set []string
	for _, c := range t.Columns {
		if !key[c] {
			q := pgx.Identifier{c}.Sanitize()
			set = append(set, q+" = EXCLUDED."+q)
		}
	}
	cols := quoteAll(t.Columns)

	var b strings.Builder
	b.WriteString("INSERT INTO " + t.Ident().Sanitize() + " (" + cols + ") SELECT " + cols + " FROM " + stage)
	b.WriteString(" ON CONFLICT (" + quoteAll(t.Key) + ")")
	if len(set) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET " + strings.Join(set, ", "))
	}
	return b.String()
}

func quoteAll(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
