package ports

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArbiter() *Arbiter {
	return New(Options{Rand: rand.New(rand.NewPCG(1, 2))})
}

func TestArbiter_Check(t *testing.T) {
	a := newTestArbiter()
	claims := []Claim{
		{ID: "0", Port: 8080, Protocol: "tcp", Comment: "Docker Server - 8080/TCP", Enabled: true},
		{ID: "1", Port: 9000, Protocol: "tcp", Comment: "old rule", Enabled: false},
		{ID: "2", Port: 5000, Protocol: "udp", Comment: "voip", Enabled: true},
	}

	t.Run("should accept a free high port", func(t *testing.T) {
		res := a.Check(8081, "tcp", claims)
		assert.True(t, res.Available)
		assert.Empty(t, res.Reason)
	})

	t.Run("should reject ports out of range", func(t *testing.T) {
		assert.Equal(t, ReasonOutOfRange, a.Check(0, "tcp", nil).Reason)
		assert.Equal(t, ReasonOutOfRange, a.Check(65536, "tcp", nil).Reason)
	})

	t.Run("should reject unknown protocols", func(t *testing.T) {
		assert.Equal(t, ReasonInvalidProtocol, a.Check(8081, "icmp", nil).Reason)
	})

	t.Run("should reject reserved and system ports", func(t *testing.T) {
		assert.Equal(t, ReasonReserved, a.Check(1023, "tcp", nil).Reason)
		assert.Equal(t, ReasonReserved, a.Check(443, "tcp", nil).Reason)

		b := New(Options{SystemPorts: []int{3000}})
		assert.Equal(t, ReasonSystemPort, b.Check(3000, "tcp", nil).Reason)
	})

	t.Run("should cite the holding rule's comment", func(t *testing.T) {
		res := a.Check(8080, "TCP", claims)
		assert.False(t, res.Available)
		assert.Equal(t, ReasonInUse, res.Reason)
		assert.Equal(t, "Docker Server - 8080/TCP", res.UsedBy)
	})

	t.Run("should ignore disabled rules and other protocols", func(t *testing.T) {
		assert.True(t, a.Check(9000, "tcp", claims).Available)
		assert.True(t, a.Check(8080, "udp", claims).Available)
		assert.False(t, a.Check(5000, "udp", claims).Available)
	})
}

func TestArbiter_Suggest(t *testing.T) {
	t.Run("should return the internal port when free", func(t *testing.T) {
		port, ok := newTestArbiter().Suggest(8501, "tcp", nil)
		require.True(t, ok)
		assert.Equal(t, 8501, port)
	})

	t.Run("should return the next free port above the internal port", func(t *testing.T) {
		claims := []Claim{
			{Port: 8080, Protocol: "tcp", Enabled: true},
			{Port: 8081, Protocol: "tcp", Enabled: true},
		}
		port, ok := newTestArbiter().Suggest(8080, "tcp", claims)
		require.True(t, ok)
		assert.Equal(t, 8082, port)
	})

	t.Run("should skip over system ports near a low internal port", func(t *testing.T) {
		port, ok := newTestArbiter().Suggest(22, "tcp", nil)
		require.True(t, ok)
		assert.GreaterOrEqual(t, port, 8000)
		assert.LessOrEqual(t, port, 29999)
	})

	t.Run("should sample the high ranges when the neighbourhood is full", func(t *testing.T) {
		var claims []Claim
		for p := 3000; p <= 3099; p++ {
			claims = append(claims, Claim{Port: p, Protocol: "tcp", Enabled: true})
		}
		a := newTestArbiter()
		port, ok := a.Suggest(3000, "tcp", claims)
		require.True(t, ok)
		assert.True(t, a.Check(port, "tcp", claims).Available)
		assert.GreaterOrEqual(t, port, 8000)
	})

	t.Run("should never return a port held by an enabled rule", func(t *testing.T) {
		a := New(Options{
			Ranges: []Range{{Start: 8000, End: 8009}},
			Rand:   rand.New(rand.NewPCG(7, 7)),
		})
		var claims []Claim
		for p := 8000; p <= 8008; p++ {
			claims = append(claims, Claim{Port: p, Protocol: "tcp", Enabled: true})
		}
		for i := 0; i < 20; i++ {
			port, ok := a.Suggest(8000, "tcp", claims)
			if ok {
				assert.True(t, a.Check(port, "tcp", claims).Available)
				for _, c := range claims {
					assert.NotEqual(t, c.Port, port)
				}
			}
		}
	})

	t.Run("should report none when nothing is free", func(t *testing.T) {
		a := New(Options{
			SystemPorts: []int{},
			Ranges:      []Range{{Start: 60000, End: 60000}},
			Samples:     3,
			Rand:        rand.New(rand.NewPCG(1, 1)),
		})
		var claims []Claim
		for p := 65400; p <= 65535; p++ {
			claims = append(claims, Claim{Port: p, Protocol: "udp", Enabled: true})
		}
		claims = append(claims, Claim{Port: 60000, Protocol: "udp", Enabled: true})

		_, ok := a.Suggest(65500, "udp", claims)
		assert.False(t, ok)
	})
}

func TestArbiter_FreeRanges(t *testing.T) {
	t.Run("should split ranges around used ports", func(t *testing.T) {
		a := New(Options{Ranges: []Range{{Start: 8000, End: 8049}}})
		claims := []Claim{{Port: 8020, Protocol: "tcp", Enabled: true}, {Port: 8045, Protocol: "tcp", Enabled: true}}

		free := a.FreeRanges("tcp", claims, 10)
		assert.Equal(t, []Range{{Start: 8000, End: 8019}, {Start: 8021, End: 8044}}, free)
	})
}

func TestUsed(t *testing.T) {
	t.Run("should list enabled ports of a protocol once", func(t *testing.T) {
		claims := []Claim{
			{Port: 9000, Protocol: "tcp", Enabled: true},
			{Port: 8000, Protocol: "tcp", Enabled: true},
			{Port: 8000, Protocol: "tcp", Enabled: true},
			{Port: 7000, Protocol: "tcp", Enabled: false},
			{Port: 6000, Protocol: "udp", Enabled: true},
		}
		assert.Equal(t, []int{8000, 9000}, Used("tcp", claims))
	})
}

func TestProtocol(t *testing.T) {
	t.Run("should normalize and validate", func(t *testing.T) {
		assert.Equal(t, "tcp", NormalizeProtocol(" TCP "))
		assert.True(t, ValidProtocol("UDP"))
		assert.False(t, ValidProtocol("sctp"))
	})
}
