package metrics

import (
	"github.com/labstack/echo/v4"
)

// RequestMiddleware records every request against its matched route pattern
// so per-segment paths don't explode the label set.
func RequestMiddleware(m *Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = 500
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(route, status)
			return err
		}
	}
}
