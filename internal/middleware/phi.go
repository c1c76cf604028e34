package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	HeaderEmergency  = "X-Emergency"
	ContextEmergency = "emergency"
)

// NoStore marks responses carrying patient data as uncacheable.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// Emergency reads the emergency override header. The access handler also honours the
// flag in the request body.
func Emergency() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.GetHeader(HeaderEmergency); v != "" && strings.EqualFold(strings.TrimSpace(v), "true") {
			c.Set(ContextEmergency, true)
			log.Warn().
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.Request.URL.Path).
				Msg("emergency header present")
		}
		c.Next()
	}
}

// ForceEmergency sets the override for routes that are emergency-only.
func ForceEmergency() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextEmergency, true)
		c.Next()
	}
}

func IsEmergency(c *gin.Context) bool {
	return c.GetBool(ContextEmergency)
}
