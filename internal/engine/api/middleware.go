package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/metrics"
	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	applogger "github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type middleware func(http.Handler) http.Handler

// wrap applies mws so that the first one sees the request first.
func wrap(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// withRequestID reuses the caller's request id or mints one and echoes it.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(applogger.WithRequestID(r.Context(), id)))
	})
}

// statusRecorder remembers the first status written and the body size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status != 0 {
		return
	}
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.size += n
	return n, err
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

// withAccessLog logs and counts each request once the handler returns.
func withAccessLog(log *applogger.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			began := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}

			log.HTTPRequest(r.Context(), r.Method, r.URL.Path, rec.status, time.Since(began),
				slog.String("route", r.Pattern), slog.Int("bytes", rec.size))
			metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		})
	}
}

// withRecovery answers a panicking handler with the internal error envelope.
func withRecovery(log *applogger.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				err := apperrors.NewSystemError(apperrors.ErrCodeInternal, "handler panicked", false, fmt.Errorf("%v", rec)).
					WithMetadata("route", r.Pattern)
				writeError(w, r, log, err)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
