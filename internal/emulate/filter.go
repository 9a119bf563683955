// Package emulate lets HTML forms act as PUT and DELETE requests.
//
// Outgoing HTML responses have their <form method="PUT"> and
// <form method="DELETE"> tags rewritten to POST forms carrying a hidden
// _method field. Incoming POST requests carrying that field are turned back
// into the method it names before they reach the wrapped handler.
//
// A Filter keeps no per-request state and is safe for concurrent use. It
// buffers each response in full, so very large pages cost their size in
// memory.
package emulate

import (
	"io"
	"log/slog"
	"net/http"

	"emulaterest-go/internal/metrics"
)

// FieldName is the form field that carries the emulated method.
const FieldName = "_method"

// Filter rewrites HTML forms on the way out and request methods on the way in.
type Filter struct {
	forceXHTML   bool
	maxFormBytes int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// Option configures a Filter.
type Option func(*Filter)

// WithForceXHTML makes injected inputs self-closing regardless of the
// response content type.
func WithForceXHTML(force bool) Option {
	return func(f *Filter) { f.forceXHTML = force }
}

// WithMaxFormBytes caps the POST body size buffered for _method inspection.
// Larger bodies are forwarded untouched. Zero disables the cap.
func WithMaxFormBytes(n int64) Option {
	return func(f *Filter) { f.maxFormBytes = n }
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Filter) { f.logger = logger }
}

// WithMetrics records overrides and rewrites. A nil value disables recording.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// New creates a Filter.
func New(opts ...Option) *Filter {
	f := &Filter{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "emulate")
	return f
}

// ForceXHTML reports whether the filter always emits self-closing inputs.
func (f *Filter) ForceXHTML() bool {
	return f.forceXHTML
}

// Handler wraps next so that its requests are method-overridden and its
// responses form-rewritten.
func (f *Filter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.OverrideMethod(r)

		rec := NewRecorder(w.Header())
		next.ServeHTTP(rec, r)

		resp := rec.Response()
		body, err := f.Process(resp)
		if err != nil {
			f.logger.Error("buffering response", "err", err, "path", r.URL.Path)
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}

		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(body); err != nil {
			f.logger.Debug("writing response", "err", err, "path", r.URL.Path)
		}
	})
}
