package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matrizSpec() SiteSpec {
	return SiteSpec{
		Network: "10.0.11.0/24",
		Gateway: "10.0.11.1",
		Start:   10,
		End:     99,
		Fixed: map[string]string{
			"router": "10.0.11.2",
			"lee":    "10.0.11.10",
			"diego":  "10.0.11.11",
			"admin":  "10.0.11.5",
		},
	}
}

func TestNewSitePool(t *testing.T) {
	t.Run("should create a pool with a valid spec", func(t *testing.T) {
		pool, err := NewSitePool("matriz", matrizSpec())
		require.NoError(t, err)
		assert.Equal(t, "matriz", pool.Name())
		assert.Equal(t, "vpn_matriz", pool.Profile())
		assert.Equal(t, "10.0.11.0", pool.networkAddress)
		assert.Equal(t, "10.0.11.255", pool.broadcastAddress)
	})

	t.Run("should fail with invalid CIDR", func(t *testing.T) {
		_, err := NewSitePool("x", SiteSpec{Network: "invalid-cidr", Start: 1, End: 2})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid CIDR")
	})

	t.Run("should fail with IPv6", func(t *testing.T) {
		_, err := NewSitePool("x", SiteSpec{Network: "2001:db8::/32", Start: 1, End: 2})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "IPv6 not supported")
	})

	t.Run("should fail when the range reaches the broadcast address", func(t *testing.T) {
		_, err := NewSitePool("x", SiteSpec{Network: "10.0.0.0/29", Start: 2, End: 7})
		assert.Error(t, err)
	})

	t.Run("should fail when a fixed address is outside the network", func(t *testing.T) {
		spec := matrizSpec()
		spec.Fixed["stray"] = "10.0.12.5"
		_, err := NewSitePool("matriz", spec)
		assert.Error(t, err)
	})
}

func TestSitePool_Next(t *testing.T) {
	t.Run("should return the start offset when nothing is assigned", func(t *testing.T) {
		spec := matrizSpec()
		delete(spec.Fixed, "lee")
		delete(spec.Fixed, "diego")
		pool, err := NewSitePool("matriz", spec)
		require.NoError(t, err)

		ip, ok := pool.Next(nil)
		require.True(t, ok)
		assert.Equal(t, "10.0.11.10", ip)
	})

	t.Run("should skip fixed and assigned addresses", func(t *testing.T) {
		pool, err := NewSitePool("matriz", matrizSpec())
		require.NoError(t, err)

		ip, ok := pool.Next(map[string]bool{"10.0.11.12": true})
		require.True(t, ok)
		assert.Equal(t, "10.0.11.13", ip)
	})

	t.Run("should report exhaustion", func(t *testing.T) {
		pool, err := NewSitePool("tiny", SiteSpec{Network: "10.0.0.0/29", Start: 2, End: 3, Fixed: map[string]string{"r": "10.0.0.2"}})
		require.NoError(t, err)

		_, ok := pool.Next(map[string]bool{"10.0.0.3": true})
		assert.False(t, ok)
	})

	t.Run("should never return a fixed or assigned address", func(t *testing.T) {
		pool, err := NewSitePool("matriz", matrizSpec())
		require.NoError(t, err)

		assigned := map[string]bool{}
		for {
			ip, ok := pool.Next(assigned)
			if !ok {
				break
			}
			_, fixed := pool.FixedOwner(ip)
			require.False(t, fixed, ip)
			require.False(t, assigned[ip], ip)
			assigned[ip] = true
		}
		assert.Len(t, assigned, 90-2)
	})
}

func TestSitePool_CheckAddress(t *testing.T) {
	pool, err := NewSitePool("matriz", matrizSpec())
	require.NoError(t, err)

	t.Run("should accept a free address in the network", func(t *testing.T) {
		conflict, err := pool.CheckAddress("10.0.11.50", nil)
		assert.NoError(t, err)
		assert.False(t, conflict)
	})

	t.Run("should reject addresses outside the network", func(t *testing.T) {
		conflict, err := pool.CheckAddress("192.168.1.1", nil)
		assert.Error(t, err)
		assert.False(t, conflict)
		assert.Contains(t, err.Error(), "not in site")
	})

	t.Run("should reject malformed addresses", func(t *testing.T) {
		_, err := pool.CheckAddress("10.0.11", nil)
		assert.Error(t, err)
	})

	t.Run("should reject network and broadcast addresses", func(t *testing.T) {
		_, err := pool.CheckAddress("10.0.11.0", nil)
		assert.Contains(t, err.Error(), "network address")
		_, err = pool.CheckAddress("10.0.11.255", nil)
		assert.Contains(t, err.Error(), "broadcast address")
	})

	t.Run("should report fixed and assigned addresses as conflicts", func(t *testing.T) {
		conflict, err := pool.CheckAddress("10.0.11.10", nil)
		assert.True(t, conflict)
		assert.Contains(t, err.Error(), "reserved for lee")

		conflict, err = pool.CheckAddress("10.0.11.40", map[string]bool{"10.0.11.40": true})
		assert.True(t, conflict)
		assert.Contains(t, err.Error(), "already assigned")
	})
}

func TestSitePool_Info(t *testing.T) {
	t.Run("should count fixed, assigned and available addresses in range", func(t *testing.T) {
		pool, err := NewSitePool("matriz", matrizSpec())
		require.NoError(t, err)

		info := pool.Info(map[string]bool{"10.0.11.20": true, "10.0.12.1": true})
		assert.Equal(t, 90, info.Total)
		assert.Equal(t, 1, info.Assigned)
		assert.Equal(t, 90-2-1, info.Available)
		assert.Equal(t, "10.0.11.10-10.0.11.99", info.Range)
		assert.Equal(t, "10.0.11.10", info.Fixed["lee"])
	})
}

func TestPools(t *testing.T) {
	pools, err := NewPools(map[string]SiteSpec{
		"matriz":     matrizSpec(),
		"escritorio": {Network: "10.0.21.0/24", Gateway: "10.0.21.1", Start: 10, End: 99},
	})
	require.NoError(t, err)

	t.Run("should list names sorted", func(t *testing.T) {
		assert.Equal(t, []string{"escritorio", "matriz"}, pools.Names())
	})

	t.Run("should find pools by address and profile", func(t *testing.T) {
		p, ok := pools.ForAddress("10.0.21.44")
		require.True(t, ok)
		assert.Equal(t, "escritorio", p.Name())

		p, ok = pools.ForProfile("vpn_matriz")
		require.True(t, ok)
		assert.Equal(t, "matriz", p.Name())

		_, ok = pools.ForAddress("192.168.0.1")
		assert.False(t, ok)
	})
}

func TestIncrementIP(t *testing.T) {
	t.Run("should carry across octets", func(t *testing.T) {
		base := []byte{10, 0, 0, 250}
		assert.Equal(t, "10.0.1.4", incrementIP(base, 10).String())
	})
}
