// Package gin adapts the payment gate to gin engines. Resources are
// identified by the matched route pattern ("/articles/:id").
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	x402gate "github.com/gatewaylabs/x402-gate"
	x402http "github.com/gatewaylabs/x402-gate/http"
)

// Middleware returns a gin handler gating every route it is attached to.
func Middleware(decider x402http.AccessDecider) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := c.FullPath()
		if resource == "" {
			resource = c.Request.URL.Path
		}
		payer := c.GetHeader(x402http.HeaderUserAddress)

		proof, err := x402http.ParsePaymentHeader(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": x402gate.NewGateError(x402gate.CodeProofInvalid, "malformed payment header", err),
			})
			return
		}

		result, err := decider.HandleAccessRequest(c.Request.Context(), resource, payer, proof)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": x402gate.NewGateError(x402gate.CodeUpstreamUnavailable, "access decision failed", err),
			})
			return
		}

		switch {
		case result.ShouldServeContent:
			c.Next()
		case result.Requirement != nil:
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":       "payment required",
				"requirement": result.Requirement,
			})
		default:
			c.AbortWithStatusJSON(x402http.StatusForCode(result.Err.Code), gin.H{
				"error": result.Err,
			})
		}
	}
}
