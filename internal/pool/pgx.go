package pool

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxSource adapts a *pgxpool.Pool to Source.
type PgxSource struct {
	pool *pgxpool.Pool
}

// NewPgxSource wraps an already configured pgx pool.
func NewPgxSource(pool *pgxpool.Pool) *PgxSource {
	return &PgxSource{pool: pool}
}

// PgxOpener returns an Opener that dials databaseURL with pgxpool and pings
// it once before handing it out.
func PgxOpener(databaseURL string) Opener {
	return func(ctx context.Context) (Source, error) {
		cfg, err := pgxpool.ParseConfig(databaseURL)
		if err != nil {
			return nil, err
		}
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return NewPgxSource(p), nil
	}
}

func (s *PgxSource) Acquire(ctx context.Context) (Lease, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pgxLease{c}, nil
}

func (s *PgxSource) Close() { s.pool.Close() }

// pgxLease embeds the pooled connection for Exec, Query, QueryRow and
// Release.
type pgxLease struct {
	*pgxpool.Conn
}

// Destroy takes the connection out of the pool and closes it.
func (l pgxLease) Destroy(ctx context.Context) error {
	return l.Conn.Hijack().Close(ctx)
}
