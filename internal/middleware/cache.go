package middleware

import (
	"github.com/gin-gonic/gin"
)

// NoStore forbids caching of live exam state. A cached response would show
// a stale clock and stale answers after a reload.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
