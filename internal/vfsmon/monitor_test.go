package vfsmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// lockedStore makes the test fake safe for use from the monitor goroutine.
type lockedStore struct {
	mu      sync.Mutex
	inner   *fakeStore
	created chan string
}

func newLockedStore(dirs ...string) *lockedStore {
	return &lockedStore{
		inner:   newFakeStore(dirs...),
		created: make(chan string, 16),
	}
}

func (s *lockedStore) Exists(localPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Exists(localPath)
}

func (s *lockedStore) IsOffline(localPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.IsOffline(localPath)
}

func (s *lockedStore) Create(parentPath string, info *PlaceholderInfo) (int, error) {
	s.mu.Lock()
	count, err := s.inner.Create(parentPath, info)
	s.mu.Unlock()
	if err == nil && info != nil {
		select {
		case s.created <- filepath.Join(parentPath, info.Name):
		default:
		}
	}
	return count, err
}

func (s *lockedStore) Update(localPath string, info *PlaceholderInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Update(localPath, info)
}

func (s *lockedStore) MoveTo(localPath, newPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.MoveTo(localPath, newPath)
}

func (s *lockedStore) Delete(localPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Delete(localPath)
}

func (s *lockedStore) IsReadOnly(localPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.IsReadOnly(localPath)
}

func (s *lockedStore) SetReadOnly(localPath string, readOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SetReadOnly(localPath, readOnly)
}

func (s *lockedStore) Property(localPath, name string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Property(localPath, name)
}

func (s *lockedStore) SetProperty(localPath, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.SetProperty(localPath, name, value)
}

func (s *lockedStore) RemoveProperty(localPath, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.RemoveProperty(localPath, name)
}

func (s *lockedStore) createCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.countCalls("create")
}

func newTestMonitor(t *testing.T, serverURL string, store MirrorStore, fetcher RemoteFetcher, reconnectDelay time.Duration) *Monitor {
	t.Helper()
	mapper, err := NewPathMapper("/remote", "/local")
	if err != nil {
		t.Fatalf("new mapper failed: %v", err)
	}
	reconciler, err := NewReconciler(fetcher, store, mapper, nil)
	if err != nil {
		t.Fatalf("new reconciler failed: %v", err)
	}
	decoder := newTestDecoder(t)
	monitor, err := NewMonitor(MonitorOptions{
		URL:            "ws" + strings.TrimPrefix(serverURL, "http"),
		Decoder:        decoder,
		Reconciler:     reconciler,
		Mapper:         mapper,
		ReconnectDelay: reconnectDelay,
	})
	if err != nil {
		t.Fatalf("new monitor failed: %v", err)
	}
	return monitor
}

func TestMonitorSurvivesMalformedPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		// One unparsable payload, one unknown token, then a valid event.
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":"renamed","itemPath":"/remote/docs/a.txt"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":"created","itemPath":"/remote/docs/a.txt"}`))
		ctx = conn.CloseRead(ctx)
		<-ctx.Done()
	}))
	defer server.Close()

	store := newLockedStore("/local", filepath.Join("/local", "docs"))
	fetcher := &fakeFetcher{items: map[string]*ItemMetadata{
		"/remote/docs/a.txt": {Identity: []byte("1"), Name: "a.txt", VersionTag: "v1"},
	}}
	monitor := newTestMonitor(t, server.URL, store, fetcher, 50*time.Millisecond)
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer monitor.Stop()

	select {
	case created := <-store.created:
		if created != filepath.Join("/local", "docs", "a.txt") {
			t.Fatalf("unexpected created path %s", created)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the valid event after malformed payloads to be applied")
	}
	if got := store.createCount(); got != 1 {
		t.Fatalf("expected one create, got %d", got)
	}
}

func TestMonitorReconnectsAfterDrop(t *testing.T) {
	var connections int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if atomic.AddInt32(&connections, 1) == 1 {
			// Drop the first connection without delivering anything.
			_ = conn.Close(websocket.StatusInternalError, "drop")
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":"created","itemPath":"/remote/docs/a.txt"}`))
		ctx = conn.CloseRead(ctx)
		<-ctx.Done()
	}))
	defer server.Close()

	store := newLockedStore("/local", filepath.Join("/local", "docs"))
	fetcher := &fakeFetcher{items: map[string]*ItemMetadata{
		"/remote/docs/a.txt": {Identity: []byte("1"), Name: "a.txt", VersionTag: "v1"},
	}}
	monitor := newTestMonitor(t, server.URL, store, fetcher, 20*time.Millisecond)
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer monitor.Stop()

	select {
	case <-store.created:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the monitor to reconnect and apply the event")
	}
	if atomic.LoadInt32(&connections) < 2 {
		t.Fatalf("expected at least two connections, got %d", connections)
	}
}

// blockingFetcher holds every fetch until released and reports the context
// state observed at release time.
type blockingFetcher struct {
	inner   *fakeFetcher
	started chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (f *blockingFetcher) FetchItem(ctx context.Context, remotePath string) (*ItemMetadata, error) {
	close(f.started)
	<-f.release
	f.ctxErr <- ctx.Err()
	return f.inner.FetchItem(ctx, remotePath)
}

func TestMonitorStopAllowsInFlightReconciliationToFinish(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":"created","itemPath":"/remote/docs/a.txt"}`))
		ctx = conn.CloseRead(ctx)
		<-ctx.Done()
	}))
	defer server.Close()

	store := newLockedStore("/local", filepath.Join("/local", "docs"))
	fetcher := &blockingFetcher{
		inner: &fakeFetcher{items: map[string]*ItemMetadata{
			"/remote/docs/a.txt": {Identity: []byte("1"), Name: "a.txt", VersionTag: "v1"},
		}},
		started: make(chan struct{}),
		release: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	monitor := newTestMonitor(t, server.URL, store, fetcher, 50*time.Millisecond)
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	select {
	case <-fetcher.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the fetch to start")
	}

	stopped := make(chan struct{})
	go func() {
		monitor.Stop()
		close(stopped)
	}()
	// Let the stop signal propagate before releasing the fetch.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatalf("stop did not return")
	}
	if err := <-fetcher.ctxErr; err != nil {
		t.Fatalf("expected the in-flight fetch to keep a live context, got %v", err)
	}
	select {
	case created := <-store.created:
		if created != filepath.Join("/local", "docs", "a.txt") {
			t.Fatalf("unexpected created path %s", created)
		}
	default:
		t.Fatalf("expected the in-flight event to be applied despite the stop")
	}
}

func TestMonitorStateTransitionsAndStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := conn.CloseRead(r.Context())
		<-ctx.Done()
	}))
	defer server.Close()

	store := newLockedStore("/local")
	fetcher := &fakeFetcher{items: map[string]*ItemMetadata{}}
	monitor := newTestMonitor(t, server.URL, store, fetcher, 50*time.Millisecond)
	if monitor.State() != StateDisconnected {
		t.Fatalf("expected a fresh monitor to be disconnected, got %s", monitor.State())
	}
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := monitor.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for !monitor.Connected() {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never reported connected, state %s", monitor.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	monitor.Stop()
	if monitor.State() != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", monitor.State())
	}
	if monitor.Connected() {
		t.Fatalf("expected Connected to be false after stop")
	}
	// Stop is safe to call again on a stopped monitor.
	monitor.Stop()
}

func TestMonitorDiscardsEventsOutsideRoot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":"created","itemPath":"/other/docs/a.txt"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"eventType":"created","itemPath":"/remote/docs/a.txt"}`))
		ctx = conn.CloseRead(ctx)
		<-ctx.Done()
	}))
	defer server.Close()

	store := newLockedStore("/local", filepath.Join("/local", "docs"))
	fetcher := &fakeFetcher{items: map[string]*ItemMetadata{
		"/remote/docs/a.txt": {Identity: []byte("1"), Name: "a.txt", VersionTag: "v1"},
		"/other/docs/a.txt":  {Identity: []byte("2"), Name: "a.txt", VersionTag: "v1"},
	}}
	monitor := newTestMonitor(t, server.URL, store, fetcher, 50*time.Millisecond)
	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer monitor.Stop()

	select {
	case created := <-store.created:
		if created != filepath.Join("/local", "docs", "a.txt") {
			t.Fatalf("expected only the in-root event to apply, got %s", created)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected the in-root event to be applied")
	}
	if got := store.createCount(); got != 1 {
		t.Fatalf("expected exactly one create, got %d", got)
	}
}
