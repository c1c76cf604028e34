package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/consent-api/pkg/httputil"
)

// ValidationError is one failed field in a 400 response.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorHandler renders the last error a handler attached. Bind failures become a field
// list; everything else is mapped through the error taxonomy.
func ErrorHandler(debug bool) gin.HandlerFunc {
	messages := validationMessages()

	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		for _, e := range c.Errors {
			log.Debug().
				Err(e.Err).
				Str("request_id", c.GetString(ContextRequestID)).
				Str("path", c.Request.URL.Path).
				Str("method", c.Request.Method).
				Msg("request error")
		}

		lastErr := c.Errors.Last().Err

		var verrs validator.ValidationErrors
		if errors.As(lastErr, &verrs) {
			fields := make([]ValidationError, 0, len(verrs))
			for _, fe := range verrs {
				msg := messages[fe.Tag()]
				if msg == "" {
					msg = fe.Error()
				}
				fields = append(fields, ValidationError{Field: fe.Field(), Message: msg})
			}
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"status":  "error",
				"message": "validation failed",
				"errors":  fields,
			})
			return
		}

		httputil.RespondWithError(c, lastErr, debug)
	}
}
