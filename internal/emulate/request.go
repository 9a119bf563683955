package emulate

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
)

// OverrideMethod switches a POST request to the method named by its _method
// form field when that method is PUT or DELETE. It returns the method the
// request arrived with and whether it was changed.
//
// The body is read up to the declared Content-Length and replaced by a
// reader over the same bytes, so the next handler sees it unconsumed. The
// _method field stays in the body. Unreadable or unparsable bodies leave the
// method as it was.
func (f *Filter) OverrideMethod(r *http.Request) (string, bool) {
	original := r.Method
	if original != http.MethodPost {
		return original, false
	}

	n := r.ContentLength
	if n <= 0 || r.Body == nil || r.Body == http.NoBody {
		return original, false
	}
	if f.maxFormBytes > 0 && n > f.maxFormBytes {
		f.logger.Debug("form body too large to inspect", "content_length", n, "limit", f.maxFormBytes)
		return original, false
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, n))
	if err != nil {
		// Hand the next reader the same failure after the bytes we took.
		r.Body = struct {
			io.Reader
			io.Closer
		}{io.MultiReader(bytes.NewReader(data), errReader{err}), r.Body}
		r.GetBody = nil
		f.logger.Debug("reading form body", "err", err)
		return original, false
	}
	replay(r, data)

	method := strings.ToUpper(formMethod(r.Header.Get("Content-Type"), data))
	if !emulated(method) {
		return original, false
	}

	r.Method = method
	if f.metrics != nil {
		f.metrics.MethodOverrides.WithLabelValues(method).Inc()
	}
	f.logger.Debug("method overridden", "from", original, "to", method, "path", r.URL.Path)
	return original, true
}

// replay points r.Body and r.GetBody at data.
func replay(r *http.Request, data []byte) {
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r.ContentLength = int64(len(data))
}

// errReader fails every read with err.
type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

// formMethod returns the first _method value in a form body, or "" when the
// body has none or cannot be parsed.
func formMethod(contentType string, data []byte) string {
	if contentType == "" {
		contentType = "application/x-www-form-urlencoded"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return ""
		}
		return values.Get(FieldName)
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return ""
		}
		return multipartMethod(multipart.NewReader(bytes.NewReader(data), boundary))
	}
	return ""
}

// multipartMethod scans multipart parts for a non-file _method field.
func multipartMethod(mr *multipart.Reader) string {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if part.FormName() != FieldName || part.FileName() != "" {
			_ = part.Close()
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, 64))
		_ = part.Close()
		if err != nil {
			return ""
		}
		return string(value)
	}
}
