package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/marcogenualdo/reqprint/internal/archive"
	reqerrors "github.com/marcogenualdo/reqprint/internal/errors"
	"github.com/marcogenualdo/reqprint/internal/metrics"
	"github.com/marcogenualdo/reqprint/internal/request"
	"golang.org/x/text/encoding/unicode"
)

// Response is sent for every request that could be read.
const Response = "HTTP/1.1 200 OK\r\n\r\n"

const emptyRequest = "<empty request>"

type connIDKey struct{}

// WithConnectionID tags ctx with the id the listener assigned to a connection.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

// ConnectionID returns the id stored by WithConnectionID, if any.
func ConnectionID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(connIDKey{}).(string)
	return id, ok
}

// ConnectionHandler reads one request per connection, prints it and answers 200 OK.
type ConnectionHandler struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	dumper  *spew.ConfigState
	archive *archive.Archive
	logger  *slog.Logger
}

// NewConnectionHandler prints to out. arch may be nil when archiving is disabled.
func NewConnectionHandler(out io.Writer, verbose bool, arch *archive.Archive, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		out:     out,
		verbose: verbose,
		dumper: &spew.ConfigState{
			Indent:                  "    ",
			DisablePointerAddresses: true,
			DisableCapacities:       true,
		},
		archive: arch,
		logger:  logger,
	}
}

// Handle reads one request from conn, prints it, answers with Response and
// closes conn. Read and write failures are returned; nothing is written back
// after a failed read.
func (h *ConnectionHandler) Handle(ctx context.Context, conn io.ReadWriteCloser) error {
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("closing connection", "error", err)
		}
	}()

	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	receivedAt := time.Now()
	req, err := request.Read(conn)
	if err != nil {
		metrics.Requests.WithLabelValues(metrics.Result(err)).Inc()
		return err
	}

	h.print(req)

	if _, err := io.WriteString(conn, Response); err != nil {
		werr := reqerrors.NewIOError("write response", err)
		metrics.Requests.WithLabelValues(metrics.Result(werr)).Inc()
		return werr
	}

	if req.Empty() {
		metrics.Requests.WithLabelValues(metrics.ResultEmpty).Inc()
	} else {
		metrics.Requests.WithLabelValues(metrics.ResultOK).Inc()
	}
	if req.HasBody() {
		metrics.BodyBytes.Observe(float64(req.ContentLength))
	}

	h.store(ctx, conn, req, receivedAt)

	return nil
}

func (h *ConnectionHandler) print(req *request.Request) {
	var b bytes.Buffer
	h.render(&b, req)

	// Concurrent connections must not interleave their blocks.
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write(b.Bytes()); err != nil {
		h.logger.Warn("failed to print request", "error", err)
	}
}

func (h *ConnectionHandler) render(w io.Writer, req *request.Request) {
	if req.Empty() {
		fmt.Fprintln(w, emptyRequest)
		return
	}

	if h.verbose {
		fmt.Fprintf(w, "Request: %s\n", h.dumper.Sdump(req.Lines))
	} else {
		fmt.Fprintf(w, "Request: %s\n", req.FirstLine())
	}

	if req.HasBody() {
		fmt.Fprintln(w, "Body:")
		fmt.Fprintf(w, "%s\n\n", DecodeLossy(req.Body))
	}
}

// DecodeLossy renders b as UTF-8 text, replacing invalid sequences with U+FFFD.
func DecodeLossy(b []byte) string {
	decoded, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(decoded)
}

func (h *ConnectionHandler) store(ctx context.Context, conn io.ReadWriteCloser, req *request.Request, receivedAt time.Time) {
	if h.archive == nil {
		return
	}

	id, ok := ConnectionID(ctx)
	if !ok {
		return
	}

	rec := &archive.Record{
		ID:            id,
		ReceivedAt:    receivedAt,
		Lines:         req.Lines,
		ContentLength: req.ContentLength,
		Body:          req.Body,
	}
	if nc, ok := conn.(net.Conn); ok {
		rec.RemoteAddr = nc.RemoteAddr().String()
	}

	if err := h.archive.Save(ctx, rec); err != nil {
		metrics.ArchiveFailures.Inc()
		h.logger.Warn("failed to archive request", "conn_id", id, "error", err)
	}
}
