package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/marcogenualdo/reqprint/internal/archive"
	"github.com/marcogenualdo/reqprint/internal/config"
	reqerrors "github.com/marcogenualdo/reqprint/internal/errors"
	"github.com/marcogenualdo/reqprint/internal/handlers"
)

type testServer struct {
	srv     *Server
	out     *bytes.Buffer
	banner  *bytes.Buffer
	cancel  context.CancelFunc
	errCh   chan error
	stopped bool
}

func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.Server.Port = 0
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	out := &bytes.Buffer{}
	banner := &bytes.Buffer{}

	srv := New(*cfg, handlers.NewConnectionHandler(out, cfg.Output.Verbose, nil, logger), nil, logger)
	srv.console = banner
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{srv: srv, out: out, banner: banner, cancel: cancel, errCh: make(chan error, 1)}
	go func() {
		ts.errCh <- srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		if !ts.stopped {
			ts.stop(t)
		}
	})
	return ts
}

func (ts *testServer) stop(t *testing.T) error {
	t.Helper()

	ts.cancel()
	return ts.wait(t)
}

func (ts *testServer) wait(t *testing.T) error {
	t.Helper()

	select {
	case err := <-ts.errCh:
		ts.stopped = true
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
		return nil
	}
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, addr net.Addr, req string) string {
	t.Helper()

	conn := dial(t, addr)
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	return string(resp)
}

func TestSequentialScenarios(t *testing.T) {
	ts := startTestServer(t, nil)
	addr := ts.srv.Addr()

	for _, req := range []string{
		"GET / HTTP/1.1\r\nHost: x\r\n\r\n",
		"POST /a HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello",
		"\r\n",
	} {
		if resp := roundTrip(t, addr, req); resp != handlers.Response {
			t.Errorf("response to %q = %q", req, resp)
		}
	}

	if err := ts.stop(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	want := "Request: GET / HTTP/1.1\n" +
		"Request: POST /a HTTP/1.1\nBody:\nhello\n\n" +
		"<empty request>\n"
	if ts.out.String() != want {
		t.Errorf("console output = %q, want %q", ts.out.String(), want)
	}

	port := addr.(*net.TCPAddr).Port
	if !strings.Contains(ts.banner.String(), "Listening on port "+strconv.Itoa(port)) {
		t.Errorf("banner = %q", ts.banner.String())
	}
}

func TestSequentialStopsOnConnectionError(t *testing.T) {
	ts := startTestServer(t, nil)

	resp := roundTrip(t, ts.srv.Addr(), "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n")
	if resp != "" {
		t.Errorf("expected no response, got %q", resp)
	}

	err := ts.wait(t)
	if !errors.Is(err, reqerrors.MalformedHeader) {
		t.Fatalf("expected MalformedHeader from Serve, got %v", err)
	}
}

func TestIsolatedErrorsKeepServing(t *testing.T) {
	ts := startTestServer(t, func(c *config.Config) { c.Server.IsolateErrors = true })
	addr := ts.srv.Addr()

	roundTrip(t, addr, "POST / HTTP/1.1\r\nContent-Length: abc\r\n\r\n")
	// Half-close so the short body read sees end of stream.
	conn := dial(t, addr)
	conn.Write([]byte("POST / HTTP/1.1\r\nContent-Length: 9\r\n\r\nshort"))
	conn.(*net.TCPConn).CloseWrite()
	io.ReadAll(conn)

	if resp := roundTrip(t, addr, "GET /after HTTP/1.1\r\n\r\n"); resp != handlers.Response {
		t.Errorf("response after isolated failure = %q", resp)
	}

	if err := ts.stop(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if !strings.Contains(ts.out.String(), "Request: GET /after HTTP/1.1") {
		t.Errorf("console output = %q", ts.out.String())
	}
}

func TestConcurrentServing(t *testing.T) {
	ts := startTestServer(t, func(c *config.Config) { c.Server.Concurrent = true })
	addr := ts.srv.Addr()

	slow := dial(t, addr)
	if _, err := slow.Write([]byte("GET /slow HTTP/1.1\r\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	if resp := roundTrip(t, addr, "GET /fast HTTP/1.1\r\n\r\n"); resp != handlers.Response {
		t.Errorf("fast response = %q", resp)
	}

	slow.Write([]byte("\r\n"))
	resp, err := io.ReadAll(slow)
	if err != nil || string(resp) != handlers.Response {
		t.Errorf("slow response = %q, %v", resp, err)
	}

	if err := ts.stop(t); err != nil {
		t.Fatalf("Serve returned %v", err)
	}

	out := ts.out.String()
	fast := strings.Index(out, "GET /fast")
	slowIdx := strings.Index(out, "GET /slow")
	if fast < 0 || slowIdx < 0 || fast > slowIdx {
		t.Errorf("expected fast request printed before slow one: %q", out)
	}
}

func TestConcurrentStopsOnConnectionError(t *testing.T) {
	ts := startTestServer(t, func(c *config.Config) { c.Server.Concurrent = true })

	roundTrip(t, ts.srv.Addr(), "POST / HTTP/1.1\r\nContent-Length: -5\r\n\r\n")

	err := ts.wait(t)
	if !errors.Is(err, reqerrors.MalformedHeader) {
		t.Fatalf("expected MalformedHeader from Serve, got %v", err)
	}
}

func TestShutdownClosesIdleConnections(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		ts := startTestServer(t, func(c *config.Config) { c.Server.Concurrent = concurrent })

		idle := dial(t, ts.srv.Addr())
		idle.Write([]byte("GET /idle HTTP/1.1\r\n"))
		// Give the listener a moment to pick the connection up.
		time.Sleep(50 * time.Millisecond)

		if err := ts.stop(t); err != nil {
			t.Errorf("concurrent=%v: Serve returned %v", concurrent, err)
		}
	}
}

func TestBindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer taken.Close()

	cfg, _ := config.Load("")
	cfg.Server.Port = taken.Addr().(*net.TCPAddr).Port

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(*cfg, handlers.NewConnectionHandler(io.Discard, false, nil, logger), nil, logger)
	srv.console = io.Discard

	err = srv.Run(context.Background())
	if !errors.Is(err, reqerrors.BindFailure) {
		t.Fatalf("expected BindFailure, got %v", err)
	}
}

func TestServeBeforeListen(t *testing.T) {
	cfg, _ := config.Load("")
	srv := New(*cfg, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Serve(context.Background()); err == nil {
		t.Error("expected error")
	}
	if srv.Addr() != nil {
		t.Error("Addr should be nil before Listen")
	}
}

func TestAdminRoutes(t *testing.T) {
	cfg, _ := config.Load("")
	srv := New(*cfg, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var health handlers.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "healthy" {
		t.Errorf("health = %d %+v", resp.StatusCode, health)
	}

	mresp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer mresp.Body.Close()

	body, _ := io.ReadAll(mresp.Body)
	if !strings.Contains(string(body), "reqprint_connections_total") {
		t.Error("metrics output lacks reqprint_connections_total")
	}

	nresp, err := http.Get(ts.URL + "/requests/unknown")
	if err != nil {
		t.Fatalf("GET /requests/unknown failed: %v", err)
	}
	nresp.Body.Close()
	if nresp.StatusCode != http.StatusNotFound {
		t.Errorf("status without archive = %d, want 404", nresp.StatusCode)
	}
}

// idRecorder reports the id the listener gave each connection.
type idRecorder struct {
	ConnHandler
	ids chan string
}

func (r idRecorder) Handle(ctx context.Context, conn io.ReadWriteCloser) error {
	id, _ := handlers.ConnectionID(ctx)
	r.ids <- id
	return r.ConnHandler.Handle(ctx, conn)
}

func TestAdminServesArchivedRequests(t *testing.T) {
	store := archive.NewMemoryStore()
	defer store.Close()
	arch := archive.NewWithStore(store, "memory", time.Hour)

	cfg, _ := config.Load("")
	cfg.Server.Port = 0
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := idRecorder{
		ConnHandler: handlers.NewConnectionHandler(io.Discard, false, arch, logger),
		ids:         make(chan string, 1),
	}
	srv := New(*cfg, recorder, arch, logger)
	srv.console = io.Discard
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		<-errCh
	}()

	// The handler archives before closing, so the record exists once the
	// response has been read to the end.
	if resp := roundTrip(t, srv.Addr(), "POST /kept HTTP/1.1\r\nContent-Length: 4\r\n\r\ndata"); resp != handlers.Response {
		t.Fatalf("response = %q", resp)
	}
	id := <-recorder.ids

	ts := httptest.NewServer(srv.setupRoutes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/requests/" + id)
	if err != nil {
		t.Fatalf("GET /requests/%s failed: %v", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var rec archive.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if rec.ID != id || rec.ContentLength != 4 || string(rec.Body) != "data" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Lines) != 2 || rec.Lines[0] != "POST /kept HTTP/1.1" {
		t.Errorf("Lines = %q", rec.Lines)
	}

	missing, err := http.Get(ts.URL + "/requests/not-a-connection")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("status for unknown id = %d, want 404", missing.StatusCode)
	}
}
