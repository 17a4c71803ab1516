// Package store reads and writes session records directly in Postgres,
// for deployments where the recorder owns the record table.
package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"whisperdeck/backend"
)

//go:embed schema.sql
var schema string

const recordColumns = `id, title, info, uploaded_date, transcript, term`

type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and makes sure the record table exists.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) CreateRecord(ctx context.Context, n backend.NewRecord) (*backend.Record, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	row := p.pool.QueryRow(ctx,
		`INSERT INTO "Audio" (title, info, uploaded_date, transcript, term)
		 VALUES ($1, $2, $3, '{}', '{}')
		 RETURNING `+recordColumns,
		n.Title, n.Info, time.Now().Truncate(time.Second))
	return scanRecord(row)
}

func (p *Postgres) GetRecord(ctx context.Context, id int64) (*backend.Record, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM "Audio" WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %d: %w", id, backend.ErrNotFound)
	}
	return rec, err
}

func (p *Postgres) ListRecords(ctx context.Context) ([]backend.Record, error) {
	return p.query(ctx, `SELECT `+recordColumns+` FROM "Audio" ORDER BY id`)
}

func (p *Postgres) DeleteRecord(ctx context.Context, id int64) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM "Audio" WHERE id = $1`, id)
	return err
}

// PersistUpdate applies the non-nil fields of u. A missing record is an
// error so a session never writes into the void.
func (p *Postgres) PersistUpdate(ctx context.Context, u backend.RecordUpdate) error {
	if err := u.Validate(); err != nil {
		return &backend.UpstreamError{Op: backend.OpPersistUpdate, Err: err}
	}
	sql, args, err := buildUpdate(u)
	if err != nil {
		return &backend.UpstreamError{Op: backend.OpPersistUpdate, Err: err}
	}
	if sql == "" {
		return nil
	}
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return &backend.UpstreamError{Op: backend.OpPersistUpdate, Err: err}
	}
	if tag.RowsAffected() == 0 {
		return &backend.UpstreamError{Op: backend.OpPersistUpdate, Err: fmt.Errorf("record %d: %w", u.ID, backend.ErrNotFound)}
	}
	return nil
}

func (p *Postgres) Search(ctx context.Context, q backend.SearchQuery) ([]backend.Record, error) {
	sql, args, err := buildSearch(q)
	if err != nil {
		return nil, err
	}
	return p.query(ctx, sql, args...)
}

func (p *Postgres) query(ctx context.Context, sql string, args ...any) ([]backend.Record, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*backend.Record, error) {
	var (
		rec              backend.Record
		transcript, term []byte
	)
	if err := row.Scan(&rec.ID, &rec.Title, &rec.Info, &rec.UploadedDate, &transcript, &term); err != nil {
		return nil, err
	}
	if err := unmarshalLangMap(transcript, &rec.Transcript); err != nil {
		return nil, fmt.Errorf("record %d transcript: %w", rec.ID, err)
	}
	if err := unmarshalLangMap(term, &rec.Term); err != nil {
		return nil, fmt.Errorf("record %d term: %w", rec.ID, err)
	}
	return &rec, nil
}

func unmarshalLangMap(b []byte, m *backend.LangMap) error {
	if len(b) == 0 {
		*m = backend.LangMap{}
		return nil
	}
	return json.Unmarshal(b, m)
}

// builder numbers positional parameters as they are added.
type builder struct {
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func buildUpdate(u backend.RecordUpdate) (string, []any, error) {
	var b builder
	var sets []string
	if u.Title != nil {
		sets = append(sets, "title = "+b.arg(*u.Title))
	}
	if u.Info != nil {
		sets = append(sets, "info = "+b.arg(*u.Info))
	}
	if u.Transcript != nil {
		j, err := json.Marshal(u.Transcript)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "transcript = "+b.arg(string(j))+"::json")
	}
	if u.Term != nil {
		j, err := json.Marshal(u.Term)
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, "term = "+b.arg(string(j))+"::json")
	}
	if len(sets) == 0 {
		return "", nil, nil
	}
	sql := `UPDATE "Audio" SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + b.arg(u.ID)
	return sql, b.args, nil
}

// buildSearch ANDs the date bounds and ORs the text filters, matching the
// service's search endpoint.
func buildSearch(q backend.SearchQuery) (string, []any, error) {
	var b builder
	var dates, texts []string

	if q.StartDate != "" {
		d, err := parseDay(q.StartDate)
		if err != nil {
			return "", nil, err
		}
		dates = append(dates, "uploaded_date::date >= "+b.arg(d)+"::date")
	}
	if q.EndDate != "" {
		d, err := parseDay(q.EndDate)
		if err != nil {
			return "", nil, err
		}
		dates = append(dates, "uploaded_date::date <= "+b.arg(d)+"::date")
	}
	like := func(col, v string) {
		if v != "" {
			texts = append(texts, col+" ILIKE "+b.arg("%"+escapeLike(v)+"%"))
		}
	}
	like("title", q.Title)
	like("info", q.Info)
	like("term::text", q.Term)
	like("transcript::text", q.Transcript)

	var where []string
	where = append(where, dates...)
	if len(texts) > 0 {
		where = append(where, "("+strings.Join(texts, " OR ")+")")
	}

	sql := `SELECT ` + recordColumns + ` FROM "Audio"`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY uploaded_date DESC, id DESC`
	return sql, b.args, nil
}

func parseDay(s string) (string, error) {
	t, err := backend.ParseDate(s)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
