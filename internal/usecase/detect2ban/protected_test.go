package detect2ban

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectedNetworks(t *testing.T) {
	p, err := NewProtectedNetworks([]string{"198.51.100.0/24", "203.0.113.9"})
	require.NoError(t, err)

	tests := []struct {
		ip        string
		protected bool
	}{
		{"10.1.2.3", true},
		{"172.31.255.1", true},
		{"172.32.0.1", false},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.10.10", true},
		{"::1", true},
		{"fe80::1", true},
		{"198.51.100.200", true},
		{"203.0.113.9", true},
		{"203.0.113.10", false},
		{"8.8.8.8", false},
		{"2001:db8::1", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.protected, p.Contains(tt.ip))
		})
	}

	reason, ok := p.Reason("10.0.0.1")
	require.True(t, ok)
	assert.Equal(t, "Private network", reason)
}

func TestProtectedNetworks_InvalidEntry(t *testing.T) {
	_, err := NewProtectedNetworks([]string{"not-a-network"})
	assert.Error(t, err)
}
