package store

import (
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestInterval_FormatsSeconds(t *testing.T) {
	assert.True(t, strings.HasSuffix(interval(30*time.Minute), " seconds"))
	assert.Contains(t, interval(90*time.Second), "90")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 500))
	long := strings.Repeat("x", 600)
	assert.Len(t, truncate(long, 500), 500)
}

func TestIsUniqueViolation(t *testing.T) {
	slugErr := &pq.Error{Code: "23505", Constraint: "videos_slug_key"}
	assert.True(t, isUniqueViolation(slugErr, "videos_slug"))
	assert.True(t, isUniqueViolation(slugErr, ""), "empty constraint matches any unique violation")
	assert.False(t, isUniqueViolation(slugErr, "worker_api_keys_prefix"))

	fkErr := &pq.Error{Code: "23503"}
	assert.False(t, isUniqueViolation(fkErr, ""))
	assert.False(t, isUniqueViolation(nil, ""))
}
