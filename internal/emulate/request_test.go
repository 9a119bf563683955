package emulate

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func formRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/items/1", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestOverrideMethod(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantMethod string
		overridden bool
	}{
		{"post with delete", http.MethodPost, "_method=DELETE&inp=val", http.MethodDelete, true},
		{"post with lowercase put", http.MethodPost, "inp=val&_method=put", http.MethodPut, true},
		{"post without field", http.MethodPost, "inp=val", http.MethodPost, false},
		{"post with patch", http.MethodPost, "_method=PATCH", http.MethodPost, false},
		{"post with get", http.MethodPost, "_method=GET", http.MethodPost, false},
		{"post with empty value", http.MethodPost, "_method=", http.MethodPost, false},
		{"post with malformed encoding", http.MethodPost, "_method=PUT&bad=%zz", http.MethodPost, false},
		{"put untouched", http.MethodPut, "_method=DELETE", http.MethodPut, false},
		{"delete untouched", http.MethodDelete, "_method=PUT", http.MethodDelete, false},
	}

	f := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := formRequest(tt.method, tt.body)

			original, overridden := f.OverrideMethod(req)

			assert.Equal(t, tt.method, original)
			assert.Equal(t, tt.overridden, overridden)
			assert.Equal(t, tt.wantMethod, req.Method)

			body, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(body), "body must be readable again")
		})
	}
}

func TestOverrideMethod_GetQueryIgnored(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/items/1?_method=DELETE", http.NoBody)

	_, overridden := New().OverrideMethod(req)

	assert.False(t, overridden)
	assert.Equal(t, http.MethodGet, req.Method)
}

func TestOverrideMethod_FieldKeptForHandler(t *testing.T) {
	req := formRequest(http.MethodPost, "_method=DELETE&inp=val")

	New().OverrideMethod(req)
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	form, err := url.ParseQuery(string(data))
	require.NoError(t, err)

	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, "val", form.Get("inp"))
	assert.Equal(t, "DELETE", form.Get(FieldName))
	assert.Empty(t, req.URL.Query())
}

func TestOverrideMethod_GetBodyReplays(t *testing.T) {
	req := formRequest(http.MethodPost, "_method=PUT")

	New().OverrideMethod(req)
	require.NotNil(t, req.GetBody)

	for i := 0; i < 2; i++ {
		rc, err := req.GetBody()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, "_method=PUT", string(data))
	}
}

func TestOverrideMethod_MissingContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("_method=delete"))

	_, overridden := New().OverrideMethod(req)

	assert.True(t, overridden)
	assert.Equal(t, http.MethodDelete, req.Method)
}

func TestOverrideMethod_NonFormContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"_method":"PUT"}`))
	req.Header.Set("Content-Type", "application/json")

	_, overridden := New().OverrideMethod(req)

	assert.False(t, overridden)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_method":"PUT"}`, string(body))
}

func TestOverrideMethod_UnknownLength(t *testing.T) {
	req := formRequest(http.MethodPost, "_method=PUT")
	req.ContentLength = -1

	_, overridden := New().OverrideMethod(req)

	assert.False(t, overridden)
	assert.Equal(t, http.MethodPost, req.Method)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "_method=PUT", string(body))
}

func TestOverrideMethod_ReadsOnlyDeclaredLength(t *testing.T) {
	req := formRequest(http.MethodPost, "_method=PUT&tail=x")
	req.ContentLength = int64(len("_method=PUT"))

	_, overridden := New().OverrideMethod(req)

	assert.True(t, overridden)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "_method=PUT", string(body))
}

func TestOverrideMethod_MaxFormBytes(t *testing.T) {
	req := formRequest(http.MethodPost, "_method=DELETE&pad=0123456789")

	_, overridden := New(WithMaxFormBytes(8)).OverrideMethod(req)

	assert.False(t, overridden)
	assert.Equal(t, http.MethodPost, req.Method)
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, "_method=DELETE&pad=0123456789", string(body))
}

// cutBody stops with io.ErrUnexpectedEOF once r is exhausted, like a client
// that disconnects before sending its declared Content-Length.
type cutBody struct {
	r      io.Reader
	closed bool
}

func (b *cutBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (b *cutBody) Close() error {
	b.closed = true
	return nil
}

func TestOverrideMethod_ReadErrorSurfaces(t *testing.T) {
	sent := "_method=DELETE&title=partial"
	body := &cutBody{r: strings.NewReader(sent)}
	req := httptest.NewRequest(http.MethodPost, "/items/1", http.NoBody)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Body = body
	req.ContentLength = 135

	original, overridden := New().OverrideMethod(req)

	assert.Equal(t, http.MethodPost, original)
	assert.False(t, overridden)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, int64(135), req.ContentLength)
	assert.Nil(t, req.GetBody)

	data, err := io.ReadAll(req.Body)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, sent, string(data))

	require.NoError(t, req.Body.Close())
	assert.True(t, body.closed)
}

func TestOverrideMethod_Multipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("inp", "val"))
	require.NoError(t, mw.WriteField(FieldName, "put"))
	require.NoError(t, mw.Close())
	payload := buf.String()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
	req.Header.Set("Content-Type", mw.FormDataContentType())

	_, overridden := New().OverrideMethod(req)

	assert.True(t, overridden)
	assert.Equal(t, http.MethodPut, req.Method)

	require.NoError(t, req.ParseMultipartForm(1<<20))
	assert.Equal(t, "val", req.PostForm.Get("inp"))
}

func TestOverrideMethod_MultipartWithoutBoundary(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("_method=PUT"))
	req.Header.Set("Content-Type", "multipart/form-data")

	_, overridden := New().OverrideMethod(req)

	assert.False(t, overridden)
}
