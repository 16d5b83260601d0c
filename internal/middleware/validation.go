package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/temcen/knnrec/internal/validation"
)

const maxBodyBytes = 8 << 20

// ValidationMiddleware checks request bodies and parameters before handlers run
type ValidationMiddleware struct {
	validator *validation.SchemaValidator
}

func NewValidationMiddleware(validator *validation.SchemaValidator) *ValidationMiddleware {
	return &ValidationMiddleware{
		validator: validator,
	}
}

// ValidateRatingQuery validates cold-start query bodies
func (vm *ValidationMiddleware) ValidateRatingQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		bodyBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
		if err != nil {
			vm.sendValidationError(c, "BODY_READ_ERROR", "Failed to read request body")
			return
		}
		if len(bodyBytes) > maxBodyBytes {
			vm.sendValidationError(c, "BODY_TOO_LARGE", "Request body is too large")
			return
		}
		if len(bodyBytes) == 0 {
			vm.sendValidationError(c, "EMPTY_BODY", "Request body is required")
			return
		}

		// Restore request body for downstream handlers
		c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))

		result := vm.validator.ValidateRatingQuery(bodyBytes)
		if !result.Valid {
			apiError := result.ToAPIError()
			if errorObj, ok := apiError["error"].(map[string]interface{}); ok {
				vm.annotate(c, errorObj)
			}
			c.JSON(http.StatusBadRequest, apiError)
			c.Abort()
			return
		}

		c.Next()
	}
}

// ValidateQueryParams checks the userId path parameter and the count query parameter
func (vm *ValidationMiddleware) ValidateQueryParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		errors := make([]validation.ValidationError, 0)

		if userID := c.Param("userId"); userID != "" {
			if !isNonNegativeInt(userID) {
				errors = append(errors, validation.ValidationError{
					Field:   "userId",
					Message: "User ID must be a non-negative integer",
					Code:    "INVALID_PATH_PARAM",
					Value:   userID,
				})
			}
		}

		if count := c.Query("count"); count != "" {
			if n, err := strconv.Atoi(count); err != nil || n < 1 {
				errors = append(errors, validation.ValidationError{
					Field:   "count",
					Message: "Count must be a positive integer",
					Code:    "INVALID_QUERY_PARAM",
					Value:   count,
				})
			}
		}

		if len(errors) > 0 {
			result := &validation.ValidationResult{Valid: false, Errors: errors}
			apiError := result.ToAPIError()
			if errorObj, ok := apiError["error"].(map[string]interface{}); ok {
				vm.annotate(c, errorObj)
			}
			c.JSON(http.StatusBadRequest, apiError)
			c.Abort()
			return
		}

		c.Next()
	}
}

func (vm *ValidationMiddleware) sendValidationError(c *gin.Context, code, message string) {
	errorObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	vm.annotate(c, errorObj)
	c.JSON(http.StatusBadRequest, gin.H{"error": errorObj})
	c.Abort()
}

func (vm *ValidationMiddleware) annotate(c *gin.Context, errorObj map[string]interface{}) {
	errorObj["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	errorObj["requestId"] = c.GetString("request_id")
	errorObj["path"] = c.Request.URL.Path
	errorObj["method"] = c.Request.Method
}

func isNonNegativeInt(value string) bool {
	n, err := strconv.ParseInt(value, 10, 64)
	return err == nil && n >= 0
}
