package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"emulaterest-go/internal/emulate"
)

const putPage = `<html><form method="PUT" action="/items/1"><input name="title" value="x"></form></html>`

func newEmulatedEcho(f *emulate.Filter) *echo.Echo {
	e := echo.New()
	e.Pre(MethodEmulation(f))
	e.GET("/items/1", func(c echo.Context) error {
		return c.HTML(http.StatusOK, putPage)
	})
	e.PUT("/items/1", func(c echo.Context) error {
		return c.String(http.StatusOK, "updated "+c.FormValue("title"))
	})
	e.DELETE("/items/1", func(c echo.Context) error {
		body, _ := io.ReadAll(c.Request().Body)
		return c.String(http.StatusOK, "deleted "+string(body))
	})
	e.GET("/broken", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "short and stout")
	})
	return e
}

func TestMethodEmulation_RewritesForms(t *testing.T) {
	e := newEmulatedEcho(emulate.New())

	req := httptest.NewRequest(http.MethodGet, "/items/1", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<form method="post" action="/items/1">`) {
		t.Errorf("form not rewritten: %s", body)
	}
	if !strings.Contains(body, `<input type="hidden" name="_method" value="PUT">`) {
		t.Errorf("hidden field missing: %s", body)
	}
	if got, want := rec.Header().Get(echo.HeaderContentLength), strconv.Itoa(len(body)); got != want {
		t.Errorf("Content-Length = %q, want %q", got, want)
	}
}

func TestMethodEmulation_ForceXHTML(t *testing.T) {
	e := newEmulatedEcho(emulate.New(emulate.WithForceXHTML(true)))

	req := httptest.NewRequest(http.MethodGet, "/items/1", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `value="PUT" />`) {
		t.Errorf("expected self-closing hidden input, got %s", rec.Body.String())
	}
}

func TestMethodEmulation_RoutesOverriddenMethod(t *testing.T) {
	tests := []struct {
		name string
		form string
		want string
	}{
		{"put", "_method=put&title=new", "updated new"},
		{"delete", "_method=DELETE&title=old", "deleted _method=DELETE&title=old"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEmulatedEcho(emulate.New())
			var original string
			e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
				return func(c echo.Context) error {
					original, _ = c.Get(OriginalMethodKey).(string)
					return next(c)
				}
			})

			req := httptest.NewRequest(http.MethodPost, "/items/1", strings.NewReader(tt.form))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if rec.Body.String() != tt.want {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.want)
			}
			if original != http.MethodPost {
				t.Errorf("original method = %q, want %q", original, http.MethodPost)
			}
		})
	}
}

func TestMethodEmulation_PlainPostNotRouted(t *testing.T) {
	e := newEmulatedEcho(emulate.New())

	req := httptest.NewRequest(http.MethodPost, "/items/1", strings.NewReader("title=x"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestMethodEmulation_ErrorResponsePassesThrough(t *testing.T) {
	e := newEmulatedEcho(emulate.New())

	req := httptest.NewRequest(http.MethodGet, "/broken", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if !strings.Contains(rec.Body.String(), "short and stout") {
		t.Errorf("body = %q, want error message", rec.Body.String())
	}
}

func TestMethodEmulation_NonHTMLUntouched(t *testing.T) {
	e := echo.New()
	e.Pre(MethodEmulation(emulate.New()))
	e.GET("/raw", func(c echo.Context) error {
		return c.Blob(http.StatusOK, echo.MIMETextPlain, []byte(putPage))
	})

	req := httptest.NewRequest(http.MethodGet, "/raw", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Body.String() != putPage {
		t.Errorf("body = %q, want unchanged %q", rec.Body.String(), putPage)
	}
	if rec.Header().Get(echo.HeaderContentLength) != "" {
		t.Errorf("Content-Length = %q, want none added", rec.Header().Get(echo.HeaderContentLength))
	}
}
