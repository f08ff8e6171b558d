package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// PanicHook is told about each recovered panic, by route.
type PanicHook func(route string)

// Recovery turns a handler panic into a 500. A panic in the middle of a
// mutation leaves its transaction rolled back; the client mutation id is
// logged so the request can be traced in the mutation log.
func Recovery(logger zerolog.Logger, hooks ...PanicHook) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				rid, _ := c.Get("request_id").(string)
				logger.Error().
					Str("request_id", rid).
					Str("method", c.Request().Method).
					Str("route", c.Path()).
					Str("client_mutation_id", c.Request().Header.Get(ClientMutationIDHeader)).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				for _, h := range hooks {
					h(c.Path())
				}
				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
