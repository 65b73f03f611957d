// Package pooltest provides a scripted in-process Source for tests of code
// built on package pool. No database is involved: every statement is handed
// to a Handler that decides its result.
package pooltest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bankroll/settlement-engine/internal/pool"
)

// Call is one statement sent over a lease.
type Call struct {
	SQL  string
	Args []any
}

// Result scripts the answer to a Call. Tag is the command tag for Exec
// ("UPDATE 1"); Rows feed Query and QueryRow.
type Result struct {
	Tag  string
	Rows [][]any
	Err  error
}

// Handler answers statements. It may be called from several goroutines.
type Handler func(Call) Result

// Stats counts lease lifecycle events.
type Stats struct {
	Acquired  int
	Released  int
	Destroyed int
	Closed    bool
}

// Source is a fake pool.Source.
type Source struct {
	handler    Handler
	acquireErr error

	mu    sync.Mutex
	calls []Call
	stats Stats
}

// New returns a Source answering with h. A nil h answers every statement with
// an empty result.
func New(h Handler) *Source {
	if h == nil {
		h = func(Call) Result { return Result{} }
	}
	return &Source{handler: h}
}

// FailAcquire makes every later Acquire return err.
func (s *Source) FailAcquire(err error) {
	s.mu.Lock()
	s.acquireErr = err
	s.mu.Unlock()
}

// Opener returns an opener yielding s.
func (s *Source) Opener() pool.Opener {
	return func(context.Context) (pool.Source, error) { return s, nil }
}

func (s *Source) Acquire(ctx context.Context) (pool.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	s.stats.Acquired++
	return &lease{src: s}, nil
}

func (s *Source) Close() {
	s.mu.Lock()
	s.stats.Closed = true
	s.mu.Unlock()
}

// Calls returns every statement seen so far, in order.
func (s *Source) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Statements returns the SQL of every call with whitespace collapsed.
func (s *Source) Statements() []string {
	calls := s.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.Join(strings.Fields(c.SQL), " ")
	}
	return out
}

func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Source) run(sql string, args []any) Result {
	c := Call{SQL: sql, Args: args}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	return s.handler(c)
}

// PgError builds a server error with the given SQLSTATE.
func PgError(code string) error {
	return &pgconn.PgError{Code: code, Message: "scripted " + code}
}

type lease struct {
	src  *Source
	done bool
}

func (l *lease) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r := l.src.run(sql, args)
	return pgconn.NewCommandTag(r.Tag), r.Err
}

func (l *lease) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	r := l.src.run(sql, args)
	if r.Err != nil {
		return nil, r.Err
	}
	return &rows{data: r.Rows, pos: -1, tag: pgconn.NewCommandTag(r.Tag)}, nil
}

func (l *lease) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	r := l.src.run(sql, args)
	if r.Err != nil {
		return row{err: r.Err}
	}
	if len(r.Rows) == 0 {
		return row{err: pgx.ErrNoRows}
	}
	return row{values: r.Rows[0]}
}

func (l *lease) Release() {
	l.finish(func(st *Stats) { st.Released++ })
}

func (l *lease) Destroy(context.Context) error {
	l.finish(func(st *Stats) { st.Destroyed++ })
	return nil
}

func (l *lease) finish(f func(*Stats)) {
	l.src.mu.Lock()
	defer l.src.mu.Unlock()
	if l.done {
		panic("pooltest: lease returned twice")
	}
	l.done = true
	f(&l.src.stats)
}

type row struct {
	values []any
	err    error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return scanInto(r.values, dest)
}

type rows struct {
	data [][]any
	pos  int
	tag  pgconn.CommandTag
	err  error
}

func (r *rows) Close()                                       {}
func (r *rows) Err() error                                   { return r.err }
func (r *rows) CommandTag() pgconn.CommandTag                { return r.tag }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	r.pos++
	return r.pos < len(r.data)
}

func (r *rows) Scan(dest ...any) error {
	if r.pos < 0 || r.pos >= len(r.data) {
		return errors.New("pooltest: scan outside result set")
	}
	if err := scanInto(r.data[r.pos], dest); err != nil {
		r.err = err
		return err
	}
	return nil
}

func (r *rows) Values() ([]any, error) {
	if r.pos < 0 || r.pos >= len(r.data) {
		return nil, errors.New("pooltest: values outside result set")
	}
	return r.data[r.pos], nil
}

// scanInto assigns values to pointer destinations, converting between
// compatible kinds (int64 into a named int64 type, string into a named
// string type). A nil value leaves the destination at its zero value.
func scanInto(values []any, dest []any) error {
	if len(values) != len(dest) {
		return fmt.Errorf("pooltest: %d values for %d destinations", len(values), len(dest))
	}
	for i, v := range values {
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Pointer || dv.IsNil() {
			return fmt.Errorf("pooltest: destination %d is not a pointer", i)
		}
		target := dv.Elem()
		if v == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		sv := reflect.ValueOf(v)
		if !sv.Type().ConvertibleTo(target.Type()) {
			return fmt.Errorf("pooltest: cannot scan %T into %s", v, target.Type())
		}
		target.Set(sv.Convert(target.Type()))
	}
	return nil
}
