package guard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSafeOutboundHost_RejectsCanonicalDenySet(t *testing.T) {
	SetAllowPrivateNetworkTargets(false)
	cases := []string{
		"", "localhost", "10.0.0.1", "192.168.1.1", "127.0.0.1",
		"fd00::1", "fe80::1", "::ffff:127.0.0.1",
	}
	for _, host := range cases {
		_, err := ResolveSafeOutboundHost(context.Background(), host, "test")
		assert.Error(t, err, "expected rejection for %q", host)
	}
}

func TestResolveSafeOutboundHost_AllowsPublicLiteral(t *testing.T) {
	SetAllowPrivateNetworkTargets(false)
	r, err := ResolveSafeOutboundHost(context.Background(), "8.8.8.8", "test")
	require.NoError(t, err)
	assert.Equal(t, "ip4", r.Family)
}

func TestResolveSafeOutboundHost_BypassAllowsPrivate(t *testing.T) {
	SetAllowPrivateNetworkTargets(true)
	defer SetAllowPrivateNetworkTargets(false)

	r, err := ResolveSafeOutboundHost(context.Background(), "10.0.0.5", "test")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", r.Host)
}

func TestResolveSafeOutboundHost_LocalAliasSuffixes(t *testing.T) {
	SetAllowPrivateNetworkTargets(false)
	for _, host := range []string{"myhost.local", "db.internal", "localhost"} {
		_, err := ResolveSafeOutboundHost(context.Background(), host, "test")
		assert.Error(t, err, "expected rejection for %q", host)
	}
}

func TestAssertSafePushEndpoint_RequiresHTTPS(t *testing.T) {
	SetAllowPrivateNetworkTargets(true)
	defer SetAllowPrivateNetworkTargets(false)

	err := AssertSafePushEndpoint(context.Background(), "http://example.com/push")
	assert.Error(t, err)

	err = AssertSafePushEndpoint(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestAssertSafePushEndpoint_AcceptsHTTPSPublicHost(t *testing.T) {
	SetAllowPrivateNetworkTargets(false)
	err := AssertSafePushEndpoint(context.Background(), "https://push.example.com/endpoint/abc")
	// push.example.com resolution will fail in a sandboxed test environment
	// without network access; accept either a nil error (DNS available) or
	// a lookup-failure error, but never a scheme/format rejection.
	if err != nil {
		assert.Contains(t, err.Error(), "dns lookup")
	}
}
