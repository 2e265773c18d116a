package allowlist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedMatchesCIDR(t *testing.T) {
	l, err := Parse([]string{"10.0.0.0/8", "192.168.1.5"})
	require.NoError(t, err)

	assert.True(t, l.Allowed(net.ParseIP("10.1.2.3")))
	assert.True(t, l.Allowed(net.ParseIP("192.168.1.5")))
	assert.False(t, l.Allowed(net.ParseIP("192.168.1.6")))
	assert.False(t, l.Allowed(net.ParseIP("172.16.0.1")))
}

func TestEmptyListDeniesEverything(t *testing.T) {
	l, err := Parse(nil)
	require.NoError(t, err)
	assert.False(t, l.Allowed(net.ParseIP("127.0.0.1")))
}

func TestParseRejectsInvalidEntry(t *testing.T) {
	_, err := Parse([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestParseRejectsIPv6(t *testing.T) {
	_, err := Parse([]string{"::1/128"})
	assert.Error(t, err)
}

func TestZeroPrefixIsAccepted(t *testing.T) {
	l, err := Parse([]string{"0.0.0.0/0"})
	require.NoError(t, err)
	assert.True(t, l.Allowed(net.ParseIP("8.8.8.8")))
}

func TestSelfExpandsToInterfaceAddresses(t *testing.T) {
	l, err := Parse([]string{"self"})
	require.NoError(t, err)
	// Loopback is virtually always present in test environments.
	assert.Positive(t, l.Len())
}
