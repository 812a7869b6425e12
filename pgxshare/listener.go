package pgxshare

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgxlisten"

	"github.com/yuku/refshare"
)

// ListenArgs identifies one shared LISTEN connection: a database and a
// notification channel on it.
type ListenArgs struct {
	ConnString string
	Channel    string
}

// Listener is a shared LISTEN connection for a single notification channel.
// Every handle on the same ListenArgs observes the same underlying
// connection; notifications fan out to all registered subscribers.
type Listener struct {
	channel string
	cancel  context.CancelFunc
	done    chan struct{}
	err     error // set before done is closed

	mu   sync.RWMutex
	subs map[string]func(payload string)
}

// Channel returns the notification channel this listener is subscribed to.
func (l *Listener) Channel() string {
	return l.channel
}

// Subscribe registers fn to receive notification payloads and returns a
// function that removes the registration. Callbacks run on the listener's
// dispatch goroutine and must not block.
func (l *Listener) Subscribe(fn func(payload string)) (unsubscribe func()) {
	id := uuid.NewString()
	l.mu.Lock()
	l.subs[id] = fn
	l.mu.Unlock()
	return func() {
		l.mu.Lock()
		delete(l.subs, id)
		l.mu.Unlock()
	}
}

// handleNotification implements the pgxlisten handler for the listener's
// channel, fanning the payload out to every subscriber.
func (l *Listener) handleNotification(_ context.Context, notification *pgconn.Notification, _ *pgx.Conn) error {
	l.mu.RLock()
	fns := make([]func(string), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		fn(notification.Payload)
	}
	return nil
}

// Listeners returns a keyed factory that maintains one LISTEN connection per
// (connection string, channel) pair. The connection is established when the
// first handle opens and stays up, reconnecting as needed, until the last
// handle is closed.
func Listeners(opts ...refshare.Option) *refshare.Keyed[ListenArgs, *Listener] {
	return refshare.NewKeyed(
		createListener,
		destroyListener,
		func(args ListenArgs) string { return args.ConnString + "\x00" + args.Channel },
		opts...,
	)
}

func createListener(ctx context.Context, args ListenArgs) (*Listener, error) {
	// Fail fast if the database is unreachable, instead of handing every
	// waiter a listener that silently retries a bad connection string.
	probe, err := pgx.Connect(ctx, args.ConnString)
	if err != nil {
		return nil, err
	}
	_ = probe.Close(ctx)

	l := &Listener{
		channel: args.Channel,
		done:    make(chan struct{}),
		subs:    make(map[string]func(string)),
	}

	pl := &pgxlisten.Listener{
		Connect: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.Connect(ctx, args.ConnString)
		},
	}
	pl.Handle(args.Channel, pgxlisten.HandlerFunc(l.handleNotification))

	lctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go func() {
		err := pl.Listen(lctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			l.err = err
		}
		close(l.done)
	}()

	return l, nil
}

func destroyListener(ctx context.Context, l *Listener, _ error) error {
	l.cancel()
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
