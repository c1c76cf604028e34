package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/jwalitptl/consent-api/pkg/errors"
)

type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(message string) *Response {
	return &Response{
		Status:  "error",
		Message: message,
	}
}

// BindJSON decodes the body into obj. On failure the error is attached to the context for
// the error middleware and false is returned.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			_ = c.Error(verrs).SetType(gin.ErrorTypeBind)
		} else {
			_ = c.Error(apperrors.NewValidation("invalid request body", err))
		}
		return false
	}
	return true
}

// Fail attaches err for the error middleware.
func Fail(c *gin.Context, err error) {
	_ = c.Error(err)
}
