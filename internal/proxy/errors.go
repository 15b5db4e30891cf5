package proxy

import (
	"errors"

	"github.com/sttdispatch/sttd/internal/metrics"
)

// Sentinel errors so callers can classify failures with errors.Is.
var (
	ErrListen       = errors.New("proxy: listen")
	ErrAccept       = errors.New("proxy: accept")
	ErrConnRead     = errors.New("proxy: conn_read")
	ErrConnWrite    = errors.New("proxy: conn_write")
	ErrNoWorker     = errors.New("proxy: no available worker")
	ErrContext      = errors.New("proxy: context_cancelled")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrTCPWrite
	case errors.Is(err, ErrNoWorker):
		return metrics.ErrNoWorker
	case errors.Is(err, ErrAccept), errors.Is(err, ErrListen):
		return metrics.ErrBind
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}
