// Package echocare plugs a care.Plugin into an Echo server.
package echocare

import (
	"errors"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/scottlaird/care-reporter/care"
)

// Middleware gives every request its own care.Meta and reports
// panics as care.HookServer.  The panic is handed on to Echo's error
// handler as a *care.PanicError.
func Middleware(p *care.Plugin) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			c.SetRequest(p.Scope(c.Request()))

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				pe := care.NewPanicError(rec, debug.Stack())
				req := c.Request()
				p.Reporter.ReportAsync(req.Context(), care.Event{
					Hook:    care.HookServer,
					Err:     pe,
					Request: req,
				})
				err = pe
			}()

			return next(c)
		}
	}
}

// ErrorHandler wraps an echo.HTTPErrorHandler so that server errors
// (anything other than an echo.HTTPError below 500) are reported as
// care.HookApp before next writes the response.  Panics already
// reported by Middleware are not reported twice.
func ErrorHandler(p *care.Plugin, next echo.HTTPErrorHandler) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if shouldReport(err) {
			req := c.Request()
			p.Reporter.ReportAsync(req.Context(), care.Event{
				Hook:    care.HookApp,
				Err:     err,
				Request: req,
			})
		}
		if next != nil {
			next(err, c)
		}
	}
}

func shouldReport(err error) bool {
	if err == nil {
		return false
	}
	var pe *care.PanicError
	if errors.As(err, &pe) {
		return false
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code >= http.StatusInternalServerError
	}
	return true
}

// Install adds Middleware and ErrorHandler to e, mounts the browser
// endpoints under prefix, and calls p.Ready.
func Install(e *echo.Echo, p *care.Plugin, prefix string) {
	e.Use(Middleware(p))
	e.HTTPErrorHandler = ErrorHandler(p, e.HTTPErrorHandler)

	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	e.Any(prefix+"/report", echo.WrapHandler(p.ClientHandler()))
	e.GET(prefix+"/care.js", echo.WrapHandler(p.ScriptHandler()))
	p.Ready()
}
