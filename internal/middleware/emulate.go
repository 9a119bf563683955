package middleware

import (
	"github.com/labstack/echo/v4"

	"emulaterest-go/internal/emulate"
)

// OriginalMethodKey is the context key holding the method a request arrived
// with when MethodEmulation changed it.
const OriginalMethodKey = "emulate.original_method"

// MethodEmulation returns an Echo middleware running the filter around the
// rest of the chain. Register it with e.Pre so that the overridden method is
// the one used for routing.
//
// The whole response is held in memory; handler errors are rendered into it
// by the Echo error handler before the rewrite decision.
func MethodEmulation(f *emulate.Filter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if original, ok := f.OverrideMethod(c.Request()); ok {
				c.Set(OriginalMethodKey, original)
			}

			res := c.Response()
			w := res.Writer
			rec := emulate.NewRecorder(w.Header())
			res.Writer = rec

			err := next(c)
			if err != nil {
				c.Error(err)
			}
			res.Writer = w

			resp := rec.Response()
			body, perr := f.Process(resp)
			if perr != nil {
				// Nothing reached the client yet; let the error handler answer.
				res.Committed = false
				w.Header().Del(echo.HeaderContentLength)
				return perr
			}

			w.WriteHeader(resp.StatusCode)
			n, werr := w.Write(body)
			res.Status = resp.StatusCode
			res.Size = int64(n)
			res.Committed = true
			if werr != nil && err == nil {
				return werr
			}
			return nil
		}
	}
}
