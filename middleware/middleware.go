package middleware

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	// Ethereum address regex: 0x followed by 40 hex characters
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	txHashRegex     = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
)

// ValidateAddressParam validates that the :address path parameter is a
// well-formed Ethereum address and stores the normalized form.
func ValidateAddressParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		address := strings.ToLower(strings.TrimSpace(c.Param("address")))
		if !ethAddressRegex.MatchString(address) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid address. Must be a valid Ethereum address (0x + 40 hex characters)",
			})
			return
		}
		c.Set("validatedAddress", address)
		c.Next()
	}
}

// ValidateHashParam validates the :hash path parameter as a transaction
// hash.
func ValidateHashParam() gin.HandlerFunc {
	return func(c *gin.Context) {
		hash := strings.ToLower(strings.TrimSpace(c.Param("hash")))
		if !txHashRegex.MatchString(hash) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "Invalid hash. Must be a transaction hash (0x + 64 hex characters)",
			})
			return
		}
		c.Set("validatedHash", hash)
		c.Next()
	}
}

// ValidateQueryParams validates the query parameters shared by the
// transactions and stats endpoints.
func ValidateQueryParams() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, param := range []string{"address", "tokenAddress"} {
			if val := strings.TrimSpace(c.Query(param)); val != "" && !ethAddressRegex.MatchString(strings.ToLower(val)) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid " + param + " parameter. Must be a valid Ethereum address",
				})
				return
			}
		}

		if limitStr := c.Query("limit"); limitStr != "" {
			limit, err := strconv.Atoi(limitStr)
			if err != nil || limit < 1 || limit > 1000 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid limit parameter. Must be a positive integer between 1 and 1000",
				})
				return
			}
		}
		if offsetStr := c.Query("offset"); offsetStr != "" {
			offset, err := strconv.Atoi(offsetStr)
			if err != nil || offset < 0 {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error": "Invalid offset parameter. Must be a non-negative integer",
				})
				return
			}
		}

		for _, param := range []string{"startTime", "endTime"} {
			if val := c.Query(param); val != "" {
				if _, err := parseTimeParam(val); err != nil {
					c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
						"error": "Invalid " + param + " parameter. Must be RFC3339 or a unix timestamp",
					})
					return
				}
			}
		}

		c.Next()
	}
}

// parseTimeParam accepts RFC3339 or unix seconds.
func parseTimeParam(val string) (time.Time, error) {
	if secs, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, val)
}

// ParseTimeParam is the exported form used by handlers after validation.
func ParseTimeParam(val string) (time.Time, error) {
	return parseTimeParam(val)
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(strings.ToLower(strings.TrimSpace(addr)))
}
