package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeDisplayName(t *testing.T) {
	assert.Equal(t, "Ada &lt;b&gt;", SanitizeDisplayName("  Ada <b>\n"))
	assert.Equal(t, "ab", SanitizeDisplayName("a\x00b"))

	long := strings.Repeat("x", 100)
	assert.Len(t, SanitizeDisplayName(long), maxDisplayNameLen)
}

func TestContainsSuspicious(t *testing.T) {
	assert.True(t, ContainsSuspicious("<SCRIPT>"))
	assert.True(t, ContainsSuspicious("${jndi}"))
	assert.False(t, ContainsSuspicious("Jane Doe"))
}

func TestIsDigits(t *testing.T) {
	assert.True(t, IsDigits("0123"))
	assert.False(t, IsDigits(""))
	assert.False(t, IsDigits("12a4"))
	assert.False(t, IsDigits("١٢٣٤"))
}
