// Package pgxshare provides reference-counted sharing of PostgreSQL
// resources built on refshare: direct pgx connections and LISTEN/NOTIFY
// listeners, one live instance per key, shared by every concurrent holder
// and torn down when the last handle is closed.
package pgxshare

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/yuku/refshare"
)

// Conns returns a keyed factory that maintains at most one open *pgx.Conn
// per connection string. Concurrent opens of the same connection string
// share a single connection; the connection is closed once every handle on
// it has been closed.
//
// Note that a *pgx.Conn is not safe for concurrent queries; sharing one is
// appropriate for callers that serialize their use of it, such as
// session-scoped advisory locking or test fixtures. For concurrent query
// traffic use pgxpool instead.
func Conns(opts ...refshare.Option) *refshare.Keyed[string, *pgx.Conn] {
	return refshare.NewKeyed(
		func(ctx context.Context, connString string) (*pgx.Conn, error) {
			return pgx.Connect(ctx, connString)
		},
		func(ctx context.Context, conn *pgx.Conn, _ error) error {
			return conn.Close(ctx)
		},
		func(connString string) string { return connString },
		opts...,
	)
}
