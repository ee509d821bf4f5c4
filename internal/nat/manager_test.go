package nat

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/logging"
	"vpn-gateway/internal/ports"
)

func newTestManager(reachable bool) (*Manager, *MemoryRepository) {
	repo := NewMemoryRepository()
	m := NewManager(repo, Options{
		Arbiter:      ports.New(ports.Options{Rand: rand.New(rand.NewPCG(1, 2))}),
		Prober:       StaticProber{Reachable: reachable},
		KnownServers: map[string]string{"10.0.10.4": "Windows Server"},
		Log:          logging.Discard(),
	})
	m.now = func() time.Time { return time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC) }
	return m, repo
}

func TestManager_Add(t *testing.T) {
	ctx := context.Background()

	t.Run("should reject a second forward of the same port", func(t *testing.T) {
		m, repo := newTestManager(true)
		first, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080, Protocol: "tcp"})
		require.NoError(t, err)
		assert.Equal(t, "Windows Server - 80/TCP - Dashboard 2024-03-01 10:30", first.Rule.Comment)

		_, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.5", InternalPort: 8000, ExternalPort: 8080, Protocol: "TCP"})
		require.Error(t, err)
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))
		assert.Contains(t, err.Error(), first.Rule.Comment)

		rules, _ := repo.List(ctx)
		assert.Len(t, rules, 1)
	})

	t.Run("should allow the same port on the other protocol", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080, Protocol: "tcp"})
		require.NoError(t, err)
		_, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080, Protocol: "udp"})
		assert.NoError(t, err)
	})

	t.Run("should suggest a port when none is given", func(t *testing.T) {
		m, _ := newTestManager(true)
		res, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 8501})
		require.NoError(t, err)
		assert.True(t, res.PortSuggested)
		assert.Equal(t, 8501, res.Rule.ExternalPort)
		assert.Equal(t, ports.TCP, res.Rule.Protocol)

		res, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.5", InternalPort: 8501})
		require.NoError(t, err)
		assert.Equal(t, 8502, res.Rule.ExternalPort)
	})

	t.Run("should never suggest a system port", func(t *testing.T) {
		m, _ := newTestManager(true)
		res, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 443})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Rule.ExternalPort, ports.ReservedBelow)
	})

	t.Run("should reject reserved external ports", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 22, ExternalPort: 22})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("should reject public internal addresses", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "8.8.8.8", InternalPort: 80, ExternalPort: 8080})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("should reject invalid protocols and ports", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, Protocol: "icmp"})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		_, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 70000})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("should only warn when the service is unreachable", func(t *testing.T) {
		m, repo := newTestManager(false)
		res, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.9", InternalPort: 3000, ExternalPort: 9000})
		require.NoError(t, err)
		assert.False(t, res.Reachable)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, "10.0.10.9 - 3000/TCP - Dashboard 2024-03-01 10:30", res.Rule.Comment)
		rules, _ := repo.List(ctx)
		assert.Len(t, rules, 1)
	})

	t.Run("should propagate transport failures", func(t *testing.T) {
		m, repo := newTestManager(true)
		repo.Fail = errs.Transport("nat.list", errors.New("connection refused"))
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080})
		assert.Equal(t, errs.KindTransport, errs.KindOf(err))
	})
}

func TestManager_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("should require exactly one selector", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Remove(ctx, Selector{})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		_, err = m.Remove(ctx, Selector{ID: "0", Comment: "x"})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("should succeed when nothing matches", func(t *testing.T) {
		m, _ := newTestManager(true)
		res, err := m.Remove(ctx, Selector{Comment: "ghost"})
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Contains(t, res.Message, "nothing to do")
	})

	t.Run("should remove by port and free it", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080})
		require.NoError(t, err)

		res, err := m.Remove(ctx, Selector{ExternalPort: 8080, Protocol: "tcp"})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Removed)

		avail, err := m.CheckPortAvailable(ctx, 8080, "tcp")
		require.NoError(t, err)
		assert.True(t, avail.Available)
	})

	t.Run("should remove by id and comment", func(t *testing.T) {
		m, _ := newTestManager(true)
		a, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080, Comment: "web"})
		require.NoError(t, err)
		_, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 81, ExternalPort: 8081})
		require.NoError(t, err)

		res, err := m.Remove(ctx, Selector{Comment: a.Rule.Comment})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Removed)

		rules, _ := m.List(ctx)
		require.Len(t, rules, 1)
		res, err = m.Remove(ctx, Selector{ID: rules[0].ID})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Removed)
	})
}

func TestManager_Toggle(t *testing.T) {
	ctx := context.Background()

	t.Run("should fail for an unknown id", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Toggle(ctx, "42", false)
		assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	})

	t.Run("should free the port while disabled and guard it on enable", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080})
		require.NoError(t, err)
		rules, _ := m.List(ctx)
		first := rules[0].ID

		_, err = m.Toggle(ctx, first, false)
		require.NoError(t, err)

		_, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.5", InternalPort: 80, ExternalPort: 8080})
		require.NoError(t, err)

		_, err = m.Toggle(ctx, first, true)
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))
	})

	t.Run("should treat protocols case-insensitively on enable", func(t *testing.T) {
		m, repo := newTestManager(true)
		require.NoError(t, repo.Add(ctx, Rule{ExternalPort: 8080, Protocol: "TCP", InternalAddress: "10.0.10.4", InternalPort: 80, Comment: "legacy web"}))
		require.NoError(t, repo.Add(ctx, Rule{ExternalPort: 8080, Protocol: "tcp", InternalAddress: "10.0.10.5", InternalPort: 80, Comment: "new web"}))
		require.NoError(t, repo.SetEnabled(ctx, "1", false))

		_, err := m.Toggle(ctx, "1", true)
		require.Error(t, err)
		assert.Equal(t, errs.KindConflict, errs.KindOf(err))
		assert.Contains(t, err.Error(), "legacy web")
	})

	t.Run("should re-enable a forward on a reserved port it already holds", func(t *testing.T) {
		m, repo := newTestManager(true)
		require.NoError(t, repo.Add(ctx, Rule{ExternalPort: 443, Protocol: "tcp", InternalAddress: "10.0.10.4", InternalPort: 443, Comment: "https"}))
		require.NoError(t, repo.SetEnabled(ctx, "0", false))

		res, err := m.Toggle(ctx, "0", true)
		require.NoError(t, err)
		assert.Equal(t, "forward enabled", res.Message)
	})

	t.Run("should be a no-op in the current state", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080})
		require.NoError(t, err)
		rules, _ := m.List(ctx)
		res, err := m.Toggle(ctx, rules[0].ID, true)
		require.NoError(t, err)
		assert.Contains(t, res.Message, "nothing to do")
	})
}

func TestManager_Reports(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(true)
	_, err := m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 80, ExternalPort: 8080})
	require.NoError(t, err)
	_, err = m.Add(ctx, AddRequest{InternalAddress: "10.0.10.4", InternalPort: 53, ExternalPort: 5353, Protocol: "udp"})
	require.NoError(t, err)

	t.Run("should count forwards", func(t *testing.T) {
		s, err := m.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, s.Total)
		assert.Equal(t, 2, s.Enabled)
		assert.Equal(t, 1, s.ByProtocol["udp"])
		assert.Equal(t, 2, s.ByServer["Windows Server"])
	})

	t.Run("should report used ports and suggestions", func(t *testing.T) {
		r, err := m.PortUsageReport(ctx)
		require.NoError(t, err)
		assert.Equal(t, []int{8080}, r.UsedTCP)
		assert.Equal(t, []int{5353}, r.UsedUDP)
		assert.Equal(t, 8501, r.Suggestions["streamlit"])
		require.NotEmpty(t, r.FreeTCP)
		assert.Equal(t, ports.Range{Start: 8000, End: 8079}, r.FreeTCP[0])
	})

	t.Run("should name known servers", func(t *testing.T) {
		rules, err := m.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Windows Server", rules[0].Server)
		assert.Equal(t, "Windows Server", m.KnownServers()["10.0.10.4"])
	})
}

func TestManager_TestPort(t *testing.T) {
	ctx := context.Background()

	t.Run("should validate input", func(t *testing.T) {
		m, _ := newTestManager(true)
		_, err := m.TestPort(ctx, "nope", 80, "tcp", 0)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("should reach a listening tcp port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		port := ln.Addr().(*net.TCPAddr).Port

		res := NetProber{}.Probe(ctx, "127.0.0.1", port, "tcp", time.Second)
		assert.True(t, res.Reachable)
	})

	t.Run("should report a closed tcp port", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		res := NetProber{}.Probe(ctx, "127.0.0.1", port, "tcp", time.Second)
		assert.False(t, res.Reachable)
		assert.NotEmpty(t, res.Message)
	})
}

func TestServiceTemplates(t *testing.T) {
	t.Run("should include the common presets", func(t *testing.T) {
		byName := map[string]int{}
		for _, tpl := range ServiceTemplates() {
			byName[tpl.Name] = tpl.Port
		}
		assert.Equal(t, 3389, byName["rdp"])
		assert.Equal(t, 8888, byName["jupyter"])
	})
}
