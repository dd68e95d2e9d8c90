package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type flakyService struct {
	name     string
	starts   atomic.Int32
	failures int32
}

func (s *flakyService) Serve(ctx context.Context) error {
	n := s.starts.Add(1)
	if n <= s.failures {
		return errors.New("simulated failure")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *flakyService) String() string { return s.name }

func TestNewTree_AppliesDefaults(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})

	want := DefaultTreeConfig()
	if tree.config != want {
		t.Errorf("Expected defaults %+v, got %+v", want, tree.config)
	}
}

func TestTree_StartsAndRestartsServices(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	syncSvc := &flakyService{name: "sync", failures: 2}
	hubSvc := &flakyService{name: "hub"}
	apiSvc := &flakyService{name: "api"}
	tree.AddSyncService(syncSvc)
	tree.AddMessagingService(hubSvc)
	tree.AddAPIService(apiSvc)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for syncSvc.starts.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := syncSvc.starts.Load(); got < 3 {
		t.Errorf("Expected failing service restarted, got %d starts", got)
	}
	if hubSvc.starts.Load() != 1 || apiSvc.starts.Load() != 1 {
		t.Errorf("Expected other layers untouched, got hub=%d api=%d", hubSvc.starts.Load(), apiSvc.starts.Load())
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("tree did not shut down in time")
	}
}

type fakeServer struct {
	started  chan struct{}
	stop     chan struct{}
	listen   error
	shutdown atomic.Bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}), stop: make(chan struct{})}
}

func (s *fakeServer) ListenAndServe() error {
	close(s.started)
	if s.listen != nil {
		return s.listen
	}
	<-s.stop
	return http.ErrServerClosed
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdown.Store(true)
	close(s.stop)
	return nil
}

func TestHTTPService_GracefulShutdown(t *testing.T) {
	server := newFakeServer()
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	<-server.started
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("service did not stop")
	}
	if !server.shutdown.Load() {
		t.Error("Expected Shutdown called")
	}
	if svc.String() != "http-server" {
		t.Errorf("Unexpected name %q", svc.String())
	}
}

func TestHTTPService_ListenFailure(t *testing.T) {
	server := newFakeServer()
	server.listen = errors.New("address in use")
	svc := NewHTTPService(server, 0)

	err := svc.Serve(context.Background())
	if err == nil || !errors.Is(err, server.listen) {
		t.Errorf("Expected wrapped listen error, got %v", err)
	}
}
