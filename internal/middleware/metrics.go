package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
)

const unmatchedRoute = "unmatched"

type httpObserver interface {
	ObserveHTTPRequest(method, path string, status int, duration time.Duration)
}

// Metrics records per-route latency and status. Requests that match no route share
// one label so probing clients cannot blow up series cardinality.
func Metrics(observer httpObserver, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, path := range skip {
		skipped[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if observer == nil {
			c.Next()
			return
		}
		if _, ok := skipped[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		observer.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
