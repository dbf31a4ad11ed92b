package metrics

import (
	"errors"

	reqerrors "github.com/marcogenualdo/reqprint/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultOK              = "ok"
	ResultEmpty           = "empty"
	ResultMalformedHeader = "malformed_header"
	ResultIOError         = "io_error"
)

var (
	Connections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reqprint",
		Name:      "connections_total",
		Help:      "Connections accepted by the request listener",
	})

	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reqprint",
		Name:      "connections_in_flight",
		Help:      "Connections currently being read or answered",
	})

	Requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reqprint",
		Name:      "requests_total",
		Help:      "Handled requests by outcome",
	}, []string{"result"})

	BodyBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reqprint",
		Name:      "body_bytes",
		Help:      "Size of request bodies announced by Content-Length",
		Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
	})

	ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reqprint",
		Subsystem: "archive",
		Name:      "failures_total",
		Help:      "Requests that could not be written to the archive",
	})
)

// Result maps a connection outcome to its requests_total label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, reqerrors.MalformedHeader):
		return ResultMalformedHeader
	default:
		return ResultIOError
	}
}
