package validators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValidEmail(t *testing.T) {
	assert.True(t, IsValidEmail("owner@example.com"))
	assert.True(t, IsValidEmail("first.last+tag@sub.example.org"))
	assert.False(t, IsValidEmail("not-an-email"))
	assert.False(t, IsValidEmail(""))
}

func TestIsValidAccountNumber(t *testing.T) {
	assert.True(t, IsValidAccountNumber("123456789"))
	assert.True(t, IsValidAccountNumber("1234"))
	assert.False(t, IsValidAccountNumber("123"))
	assert.False(t, IsValidAccountNumber("123456789012345678"))
	assert.False(t, IsValidAccountNumber("12345abc"))
}

func TestIsValidRoutingNumber(t *testing.T) {
	// Well-known valid ABA numbers.
	assert.True(t, IsValidRoutingNumber("021000021"))
	assert.True(t, IsValidRoutingNumber("011401533"))
	assert.False(t, IsValidRoutingNumber("021000022"))
	assert.False(t, IsValidRoutingNumber("12345678"))
	assert.False(t, IsValidRoutingNumber("abcdefghi"))
}
