package observability

import (
	"bufio"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Middleware holds configuration for HTTP Observability
type Middleware struct {
	TraceIdHeader string
}

// Wrap returns an Handler that adds Observability to the http Request Context and calls next.
func (self Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t0 := time.Now()

		var tId string
		if "" != self.TraceIdHeader {
			tId = r.Header.Get(self.TraceIdHeader)
		}
		if "" == tId {
			tId = uuid.New().String()
		}

		log := GetObservability(r.Context()).Log().With("tId", tId)
		ctx := SetObservability(r.Context(), &Observability{Logger: log})
		sw := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&sw, r.WithContext(ctx))
		log.Debug(
			"processed HTTP request",
			"method", r.Method,
			"uri", r.RequestURI,
			"status", sw.status,
			"duration", time.Since(t0),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (self *statusRecorder) WriteHeader(statusCode int) {
	self.status = statusCode
	self.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades go through the Middleware.
func (self *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(self.ResponseWriter).Hijack()
}

// Unwrap allows http.ResponseController to reach the inner ResponseWriter.
func (self *statusRecorder) Unwrap() http.ResponseWriter {
	return self.ResponseWriter
}

var _ http.ResponseWriter = &statusRecorder{}
var _ http.Hijacker = &statusRecorder{}
