package emulate

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"emulaterest-go/internal/metrics"
)

// Response is an upstream response captured for rewriting.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Eligible reports whether a response may have its forms rewritten, and
// whether the rewrite should use XHTML syntax. Only 200 responses with an
// HTML or XHTML content type and no Content-Encoding header qualify.
func Eligible(status int, header http.Header) (transform, xhtml bool) {
	if !strings.HasPrefix(strconv.Itoa(status), "200") {
		return false, false
	}
	if _, encoded := headerValue(header, "Content-Encoding"); encoded {
		return false, false
	}
	contentType, _ := headerValue(header, "Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/html"):
		return true, false
	case strings.HasPrefix(contentType, "application/xhtml+xml"):
		return true, true
	}
	return false, false
}

// Process drains resp.Body, closing it whatever happens, and returns the
// body to send. Eligible responses come back with their forms rewritten and
// resp.Header's Content-Length replaced; all others come back byte for byte
// with headers untouched.
func (f *Filter) Process(resp *Response) ([]byte, error) {
	transform, xhtml := Eligible(resp.StatusCode, resp.Header)

	body, err := drain(resp.Body)
	if err != nil {
		return nil, err
	}

	if !transform {
		f.record(metrics.OutcomePassthrough, 0)
		return body, nil
	}

	out, n := rewriteForms(body, xhtml || f.forceXHTML)
	setContentLength(resp.Header, len(out))
	f.record(metrics.OutcomeRewritten, n)
	if n > 0 {
		f.logger.Debug("forms rewritten",
			"forms", n,
			"size", humanize.Bytes(uint64(len(out))),
			"xhtml", xhtml || f.forceXHTML,
		)
	}
	return out, nil
}

func (f *Filter) record(outcome string, forms int) {
	if f.metrics == nil {
		return
	}
	f.metrics.ResponsesTotal.WithLabelValues(outcome).Inc()
	if forms > 0 {
		f.metrics.FormsRewritten.Add(float64(forms))
	}
}

// drain reads body to EOF and closes it exactly once.
func drain(body io.ReadCloser) (data []byte, err error) {
	if body == nil {
		return nil, nil
	}
	defer func() {
		if cerr := body.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close response body: %w", cerr)
		}
	}()
	data, err = io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return data, nil
}

// headerValue looks a header up by case-insensitive name, including keys
// that were stored without canonicalisation.
func headerValue(h http.Header, name string) (string, bool) {
	for k, vals := range h {
		if strings.EqualFold(k, name) {
			if len(vals) == 0 {
				return "", true
			}
			return vals[0], true
		}
	}
	return "", false
}

// setContentLength removes every Content-Length key and sets a single new one.
func setContentLength(h http.Header, n int) {
	for k := range h {
		if strings.EqualFold(k, "Content-Length") {
			delete(h, k)
		}
	}
	h.Set("Content-Length", strconv.Itoa(n))
}

// Recorder is an http.ResponseWriter that holds a handler's response in
// memory until Response is called. Flush is a no-op.
type Recorder struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

// NewRecorder returns a Recorder writing headers into header.
func NewRecorder(header http.Header) *Recorder {
	if header == nil {
		header = make(http.Header)
	}
	return &Recorder{header: header}
}

// Header implements http.ResponseWriter.
func (r *Recorder) Header() http.Header {
	return r.header
}

// WriteHeader implements http.ResponseWriter. Only the first call counts.
func (r *Recorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

// Write implements http.ResponseWriter.
func (r *Recorder) Write(p []byte) (int, error) {
	r.WriteHeader(http.StatusOK)
	return r.body.Write(p)
}

// Flush implements http.Flusher; output is held until the handler returns.
func (r *Recorder) Flush() {}

// Status returns the recorded status, 200 when none was written.
func (r *Recorder) Status() int {
	if !r.wroteHeader {
		return http.StatusOK
	}
	return r.status
}

// Response returns the recorded response. Its body reads the buffered bytes.
func (r *Recorder) Response() *Response {
	return &Response{
		StatusCode: r.Status(),
		Header:     r.header,
		Body:       io.NopCloser(bytes.NewReader(r.body.Bytes())),
	}
}
