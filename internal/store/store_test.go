package store

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError_RetryableCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03"} {
		assert.True(t, isRetryableError(&pq.Error{Code: pq.ErrorCode(code)}), code)
	}
}

func TestIsRetryableError_NonRetryableCode(t *testing.T) {
	assert.False(t, isRetryableError(&pq.Error{Code: "23505"}))
}

func TestIsRetryableError_NonPQError(t *testing.T) {
	assert.False(t, isRetryableError(assertError{}))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
