package netutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLocal(t *testing.T) {
	local := []string{
		"127.0.0.1",
		"127.255.255.255",
		"::1",
		"::ffff:127.0.0.1",
		"10.0.0.1",
		"172.16.0.0",
		"172.31.255.255",
		"192.168.1.1",
		"169.254.1.1",
		"fc00::",
		"fd00::",
		"fe80::abc",
	}
	for _, addr := range local {
		assert.True(t, IsLocal(addr), addr)
	}

	remote := []string{
		"8.8.8.8",
		"172.15.0.1",
		"172.32.0.1",
		"2001:db8::",
	}
	for _, addr := range remote {
		assert.False(t, IsLocal(addr), addr)
	}
}

func TestIsLocalAcceptsHostPort(t *testing.T) {
	assert.True(t, IsLocal("127.0.0.1:54123"))
	assert.True(t, IsLocal("[::1]:8080"))
	assert.False(t, IsLocal("8.8.8.8:443"))
	assert.False(t, IsLocal("not-an-ip"))
	assert.False(t, IsLocal(""))
}

func TestIsLoopback(t *testing.T) {
	assert.True(t, IsLoopback("127.0.0.1:9999"))
	assert.True(t, IsLoopback("::1"))
	assert.True(t, IsLoopback("::ffff:127.0.0.1"))
	assert.False(t, IsLoopback("10.0.0.1"))
	assert.False(t, IsLoopback("192.168.1.1"))
}
