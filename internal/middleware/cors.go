package middleware

import (
	"github.com/labstack/echo/v4"
)

// corsAllowMethods is advertised on every response.
const corsAllowMethods = "GET, HEAD, POST, OPTIONS, PUT, DELETE, PATCH"

// CORS returns a middleware that stamps the cross-origin headers onto every
// response just before the status line is written, replacing any value
// relayed from the target. trustedOrigin is "*" or a single origin.
func CORS(trustedOrigin string) echo.MiddlewareFunc {
	if trustedOrigin == "" {
		trustedOrigin = "*"
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			requested := c.Request().Header.Get(echo.HeaderAccessControlRequestHeaders)
			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set(echo.HeaderAccessControlAllowOrigin, trustedOrigin)
				h.Set(echo.HeaderAccessControlAllowMethods, corsAllowMethods)
				if requested != "" {
					h.Set(echo.HeaderAccessControlAllowHeaders, requested)
				} else {
					h.Set(echo.HeaderAccessControlAllowHeaders, "*")
				}
				h.Set(echo.HeaderAccessControlExposeHeaders, "*")
				h.Del(echo.HeaderAccessControlAllowCredentials)
				if trustedOrigin != "*" {
					h.Add(echo.HeaderVary, echo.HeaderOrigin)
				}
			})
			return next(c)
		}
	}
}
