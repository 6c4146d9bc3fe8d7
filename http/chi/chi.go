// Package chi adapts the payment gate to chi routers.
package chi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	x402http "github.com/gatewaylabs/x402-gate/http"
)

// Gate wraps a route endpoint. It runs after routing, so the matched route
// pattern identifies the resource: a price configured for "/articles/{id}"
// covers every article.
func Gate(decider x402http.AccessDecider, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resource := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				resource = pattern
			}
		}
		x402http.Gate(decider, resource, w, r, next)
	}
}

// Middleware gates every route it is mounted on. It runs before routing
// completes, so the raw request path identifies the resource; use Gate when
// prices are keyed by route pattern.
func Middleware(decider x402http.AccessDecider) func(http.Handler) http.Handler {
	return x402http.Middleware(decider)
}
