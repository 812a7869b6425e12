// Package refshare provides reference-counted sharing of expensive resources
// such as network connections, file handles, or subprocesses. Any number of
// concurrent callers can open their own handle on the same underlying
// instance: the resource is created at most once while at least one handle is
// outstanding, and destroyed exactly once after the last handle is closed.
//
// A Factory manages a single shared instance. Concurrent Open calls are
// coalesced onto one creation; concurrent closes are coalesced onto one
// teardown; successive create/destroy cycles are serialized.
//
// Basic usage:
//
//	factory := refshare.New(
//		func(ctx context.Context) (*pgx.Conn, error) {
//			return pgx.Connect(ctx, databaseURL)
//		},
//		func(ctx context.Context, conn *pgx.Conn, reason error) error {
//			return conn.Close(ctx)
//		},
//	)
//
//	handle, err := factory.Open(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer handle.Close(context.Background())
//
//	// Use the shared resource
//	conn := handle.Ref()
//
// A Keyed factory multiplexes many distinct instances through one factory,
// deriving a cache key from the call arguments:
//
//	conns := refshare.NewKeyed(
//		func(ctx context.Context, url string) (*pgx.Conn, error) {
//			return pgx.Connect(ctx, url)
//		},
//		func(ctx context.Context, conn *pgx.Conn, reason error) error {
//			return conn.Close(ctx)
//		},
//		func(url string) string { return url },
//	)
//
//	handle, err := conns.Open(ctx, databaseURL)
//
// The context passed to Open affects only that call: cancelling it detaches
// the caller without disturbing other waiters, unless the caller is the sole
// remaining party, in which case the in-flight creation itself is cancelled.
package refshare
