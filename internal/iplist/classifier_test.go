package iplist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyWhitelistShortCircuits(t *testing.T) {
	c, err := New(Options{
		Whitelist: []string{"10.0.0.1"},
		Blacklist: []string{"10.0.0.1"}, // whitelist wins
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, c.Classify("10.0.0.1").Decision)
}

func TestClassifyBlacklist(t *testing.T) {
	c, err := New(Options{Blacklist: []string{"203.0.113.7"}})
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, c.Classify("203.0.113.7").Decision)
	require.Equal(t, DecisionAllow, c.Classify("203.0.113.8").Decision)
}

func TestClassifyCIDR(t *testing.T) {
	c, err := New(Options{Patterns: []Entry{
		{Pattern: "192.168.1.0/24", Kind: KindCIDR, Active: true},
	}})
	require.NoError(t, err)

	require.Equal(t, DecisionPattern, c.Classify("192.168.1.5").Decision)
	require.Equal(t, DecisionAllow, c.Classify("192.168.2.5").Decision)
}

func TestClassifyWildcard(t *testing.T) {
	c, err := New(Options{Patterns: []Entry{
		{Pattern: "10.1.*.*", Kind: KindWildcard, Active: true},
	}})
	require.NoError(t, err)

	require.Equal(t, DecisionPattern, c.Classify("10.1.200.3").Decision)
	require.Equal(t, DecisionAllow, c.Classify("10.2.200.3").Decision)
}

func TestClassifyRange(t *testing.T) {
	c, err := New(Options{Patterns: []Entry{
		{Pattern: "172.16.0.10-172.16.0.20", Kind: KindRange, Active: true},
	}})
	require.NoError(t, err)

	require.Equal(t, DecisionPattern, c.Classify("172.16.0.10").Decision)
	require.Equal(t, DecisionPattern, c.Classify("172.16.0.20").Decision)
	require.Equal(t, DecisionAllow, c.Classify("172.16.0.21").Decision)
	require.Equal(t, DecisionAllow, c.Classify("172.16.0.9").Decision)
}

func TestClassifyPriorityOrder(t *testing.T) {
	c, err := New(Options{Patterns: []Entry{
		{Pattern: "10.0.0.0/8", Kind: KindCIDR, Priority: 1, Active: true},
		{Pattern: "10.5.5.5", Kind: KindExact, Priority: 10, Active: true},
	}})
	require.NoError(t, err)

	res := c.Classify("10.5.5.5")
	require.Equal(t, DecisionPattern, res.Decision)
	require.Equal(t, "10.5.5.5", res.Entry.Pattern)
}

func TestClassifyInactiveAndExpiredSkipped(t *testing.T) {
	c, err := New(Options{Patterns: []Entry{
		{Pattern: "10.0.0.0/8", Kind: KindCIDR, Active: false},
		{Pattern: "10.0.0.1", Kind: KindExact, Active: true, ExpiresAt: time.Now().Add(-time.Minute)},
	}})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, c.Classify("10.0.0.1").Decision)
}

func TestClassifyFailPolicy(t *testing.T) {
	var degradedReason string
	open, err := New(Options{
		FailOpen: true,
		Degraded: func(reason string, err error) { degradedReason = reason },
	})
	require.NoError(t, err)
	require.Equal(t, DecisionAllow, open.Classify("not-an-ip").Decision)
	require.NotEmpty(t, degradedReason)

	closed, err := New(Options{FailOpen: false})
	require.NoError(t, err)
	require.Equal(t, DecisionDeny, closed.Classify("not-an-ip").Decision)
}

func TestNewRejectsMalformedEntries(t *testing.T) {
	cases := []Entry{
		{Pattern: "192.168.1.0", Kind: KindCIDR},
		{Pattern: "192.168.1.0/40", Kind: KindCIDR},
		{Pattern: "300.0.0.1", Kind: KindExact},
		{Pattern: "10.0.0.5-10.0.0.1", Kind: KindRange},
		{Pattern: "10.0.0.1", Kind: "glob"},
	}
	for _, e := range cases {
		_, err := New(Options{Patterns: []Entry{e}})
		require.Error(t, err, "entry %+v", e)
	}
}
