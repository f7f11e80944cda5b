// ABOUTME: Integration tests for the bounded reconnect protocol, driven through
// ABOUTME: a local TCP proxy that can sever or refuse database connections.
package worker_test

import (
	"context"
	"io"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filipekp/queue/internal/store"
	"github.com/filipekp/queue/internal/testutil"
	"github.com/filipekp/queue/internal/worker"
)

// dbProxy is a TCP relay in front of the test database. DropConns severs the
// live connections while leaving the listener up, so the next dial succeeds;
// Close also stops the listener, so further dials are refused.
type dbProxy struct {
	ln       net.Listener
	upstream string

	mu     sync.Mutex
	conns  []net.Conn
	closed bool
}

func newDBProxy(t *testing.T, upstream string) *dbProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &dbProxy{ln: ln, upstream: upstream}
	go p.acceptLoop()
	t.Cleanup(p.Close)
	return p
}

func (p *dbProxy) acceptLoop() {
	for {
		client, err := p.ln.Accept()
		if err != nil {
			return
		}
		server, err := net.Dial("tcp", p.upstream)
		if err != nil {
			_ = client.Close()
			continue
		}
		p.mu.Lock()
		p.conns = append(p.conns, client, server)
		p.mu.Unlock()
		go relay(client, server)
		go relay(server, client)
	}
}

func relay(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

func (p *dbProxy) Addr() string { return p.ln.Addr().String() }

// DropConns severs every live connection. New dials still go through.
func (p *dbProxy) DropConns() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.conns {
		_ = c.Close()
	}
	p.conns = p.conns[:0]
}

// Close stops the listener and severs everything, simulating a database that
// is gone for good.
func (p *dbProxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	_ = p.ln.Close()
	p.DropConns()
}

// throughProxy rewrites the database URL to dial via the proxy.
func throughProxy(t *testing.T, dbURL string, p *dbProxy) string {
	t.Helper()
	u, err := url.Parse(dbURL)
	require.NoError(t, err)
	u.Host = p.Addr()
	return u.String()
}

// newProxiedWorker opens a worker session through the proxy with a tight
// reconnect budget so the tests finish quickly.
func newProxiedWorker(t *testing.T, db *testutil.TestDB, p *dbProxy, proc int64) *worker.Worker {
	t.Helper()
	conn, err := store.Connect(context.Background(), throughProxy(t, db.URL, p), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(context.Background()) })

	return worker.New(conn, worker.Config{
		ProcessorID:       proc,
		RequestTimeout:    5 * time.Second,
		IdleSleep:         50 * time.Millisecond,
		DependencyPoll:    50 * time.Millisecond,
		StaleClaimAfter:   time.Hour,
		ReconnectAttempts: 5,
		ReconnectPause:    20 * time.Millisecond,
	}, nil)
}

func upstreamHost(t *testing.T, dbURL string) string {
	t.Helper()
	u, err := url.Parse(dbURL)
	require.NoError(t, err)
	return u.Host
}

func waitForState(t *testing.T, db *testutil.TestDB, id int64, state string) {
	t.Helper()
	require.Eventually(t, func() bool {
		it, err := db.GetItem(context.Background(), id)
		return err == nil && it != nil && it.State == state
	}, 10*time.Second, 25*time.Millisecond, "item %d never reached %s", id, state)
}

func TestWorkerReconnectsAndResumes(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	proc := db.MustCreateProcessor(t, "w-reconnect")
	tg := newTarget(t, 200, `{"ok":true}`)

	proxy := newDBProxy(t, upstreamHost(t, db.URL))
	w := newProxiedWorker(t, db, proxy, proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	first := enqueue(t, db, store.InsertItemParams{
		ProcessorID: proc,
		ProcessType: store.TypeSync,
		URL:         tg.srv.URL,
	})
	waitForState(t, db, first, store.StateDone)

	// Sever the session. The listener stays up, so the third-or-earlier
	// reconnect attempt lands and the loop resumes.
	proxy.DropConns()

	second := enqueue(t, db, store.InsertItemParams{
		ProcessorID: proc,
		ProcessType: store.TypeSync,
		URL:         tg.srv.URL,
	})
	waitForState(t, db, second, store.StateDone)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerStopsAfterReconnectExhaustion(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	proc := db.MustCreateProcessor(t, "w-db-gone")
	tg := newTarget(t, 200, `{"ok":true}`)

	proxy := newDBProxy(t, upstreamHost(t, db.URL))
	w := newProxiedWorker(t, db, proxy, proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- w.Run(ctx) }()

	// One job through, so the loop is past startup and cycling idle.
	id := enqueue(t, db, store.InsertItemParams{
		ProcessorID: proc,
		ProcessType: store.TypeSync,
		URL:         tg.srv.URL,
	})
	waitForState(t, db, id, store.StateDone)

	// The database disappears for good: every reconnect attempt is refused
	// and Run surfaces the exhaustion instead of looping on a dead session.
	proxy.Close()

	select {
	case err := <-runErr:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reconnect failed after 5 attempts")
	case <-time.After(10 * time.Second):
		t.Fatal("worker kept running without a database")
	}
}
