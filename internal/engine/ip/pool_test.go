package ip

import (
	"net/netip"
	"testing"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(addrs ...string) map[netip.Addr]struct{} {
	used, _ := UsedSet(addrs)
	return used
}

func TestParsePool(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		start   int
		end     int
		wantErr bool
	}{
		{name: "with mask", base: "10.66.66.0/24", start: 2, end: 254},
		{name: "without mask", base: "10.66.66.0", start: 10, end: 20},
		{name: "host bits masked", base: "10.66.66.7/24", start: 2, end: 254},
		{name: "wrong size", base: "10.66.0.0/16", start: 2, end: 254, wantErr: true},
		{name: "ipv6", base: "fd00::/120", start: 2, end: 254, wantErr: true},
		{name: "inverted range", base: "10.66.66.0/24", start: 20, end: 10, wantErr: true},
		{name: "zero start", base: "10.66.66.0/24", start: 0, end: 10, wantErr: true},
		{name: "broadcast end", base: "10.66.66.0/24", start: 2, end: 255, wantErr: true},
		{name: "garbage", base: "not-an-ip", start: 2, end: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool, err := ParsePool(tt.base, tt.start, tt.end)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsErrorCode(err, apperrors.ErrCodeInvalidPool))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "10.66.66.0/24", pool.Base.String())
		})
	}
}

func TestNextFree(t *testing.T) {
	pool, err := ParsePool("10.0.0.0/24", 10, 12)
	require.NoError(t, err)

	t.Run("empty pool returns start", func(t *testing.T) {
		addr, err := NextFree(pool, set())
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.10", addr.String())
	})

	t.Run("lowest gap wins", func(t *testing.T) {
		addr, err := NextFree(pool, set("10.0.0.10", "10.0.0.12"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.11", addr.String())
	})

	t.Run("two used returns third", func(t *testing.T) {
		addr, err := NextFree(pool, set("10.0.0.10", "10.0.0.11"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.12", addr.String())
	})

	t.Run("exhausted", func(t *testing.T) {
		_, err := NextFree(pool, set("10.0.0.10", "10.0.0.11", "10.0.0.12"))
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
	})

	t.Run("addresses outside the pool are ignored", func(t *testing.T) {
		addr, err := NextFree(pool, set("10.0.0.9", "10.0.1.10", "10.0.0.13"))
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.10", addr.String())
	})
}

func TestPoolContainsAndSize(t *testing.T) {
	pool, err := ParsePool("10.0.0.0/24", 10, 20)
	require.NoError(t, err)

	assert.Equal(t, 11, pool.Size())
	assert.True(t, pool.Contains(netip.MustParseAddr("10.0.0.10")))
	assert.True(t, pool.Contains(netip.MustParseAddr("10.0.0.20")))
	assert.False(t, pool.Contains(netip.MustParseAddr("10.0.0.21")))
	assert.False(t, pool.Contains(netip.MustParseAddr("10.0.1.15")))
}

func TestUsedSetReportsInvalid(t *testing.T) {
	used, invalid := UsedSet([]string{"10.0.0.1", "10.0.0.2/32", "bogus"})
	assert.Len(t, used, 2)
	assert.Equal(t, []string{"bogus"}, invalid)
}
