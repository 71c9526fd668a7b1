// Package validation provides input validation and sanitation for the API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-form text fields
const MaxStringLength = 10000

// MaxTitleLength is the maximum length for listing titles
const MaxTitleLength = 200

// userIDRegex validates caller-asserted user identifiers
var userIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidUserID checks a caller-asserted user identifier
func IsValidUserID(id string) bool {
	return userIDRegex.MatchString(id)
}

// ValidAmount checks that a credit amount is positive and within range
func ValidAmount(amount int64) bool {
	return amount > 0 && amount <= 1_000_000
}

// SanitizeString trims whitespace, strips null bytes, and caps length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}
