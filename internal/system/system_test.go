package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-gateway/internal/errs"
)

func TestIPRouteTable(t *testing.T) {
	ctx := context.Background()

	t.Run("should treat an existing route as success", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route add", Output{Stdout: "RTNETLINK answers: File exists", ExitCode: 2})
		err := NewIPRouteTable(runner, "tun0").Add(ctx, "192.168.50.0/24", "10.8.0.1")
		require.NoError(t, err)
		assert.Equal(t, []string{"ip route add 192.168.50.0/24 via 10.8.0.1 dev tun0"}, runner.Commands)
	})

	t.Run("should report other add failures", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route add", Output{Stdout: "Error: Nexthop has invalid gateway.", ExitCode: 2})
		err := NewIPRouteTable(runner, "tun0").Add(ctx, "192.168.50.0/24", "10.8.0.1")
		assert.Equal(t, errs.KindApply, errs.KindOf(err))
	})

	t.Run("should treat a missing route as deleted", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route del", Output{Stdout: "RTNETLINK answers: No such process", ExitCode: 2})
		assert.NoError(t, NewIPRouteTable(runner, "tun0").Delete(ctx, "192.168.50.0/24"))
	})

	t.Run("should parse the tunnel routes", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route show dev tun0", Output{Stdout: "" +
			"10.8.0.0/24 proto kernel scope link src 10.8.0.6\n" +
			"192.168.50.0/24 via 10.8.0.1\n" +
			"172.16.5.9 via 10.8.0.1\n"})
		routes, err := NewIPRouteTable(runner, "tun0").List(ctx)
		require.NoError(t, err)
		require.Len(t, routes, 3)
		assert.Equal(t, "10.8.0.0/24", routes[0].Network)
		assert.Empty(t, routes[0].Gateway)
		assert.Equal(t, "10.8.0.1", routes[1].Gateway)
		assert.Equal(t, "172.16.5.9/32", routes[2].Network)
		assert.Equal(t, "tun0", routes[2].Device)
	})

	t.Run("should surface runner failures as transport errors", func(t *testing.T) {
		runner := NewScriptedRunner()
		runner.Default = Output{ExitCode: -1, Err: errors.New("exec: \"ip\": executable file not found")}
		_, err := NewIPRouteTable(runner, "tun0").List(ctx)
		assert.Equal(t, errs.KindTransport, errs.KindOf(err))
	})
}

func TestNewRouteTable(t *testing.T) {
	t.Run("should reject unknown backends", func(t *testing.T) {
		_, err := NewRouteTable("bird", NewScriptedRunner(), "tun0")
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})

	t.Run("should default to iproute2", func(t *testing.T) {
		table, err := NewRouteTable("", NewScriptedRunner(), "tun0")
		require.NoError(t, err)
		assert.IsType(t, &IPRouteTable{}, table)
	})
}

func TestIPTables(t *testing.T) {
	ctx := context.Background()

	t.Run("should check before appending", func(t *testing.T) {
		runner := NewScriptedRunner().On("iptables -t nat -C", Output{ExitCode: 1}).On("iptables -C", Output{ExitCode: 1})
		require.NoError(t, NewIPTables(runner, "tun0").EnsureForwarding(ctx, "192.168.50.0/24"))
		assert.Equal(t, []string{
			"iptables -t nat -C POSTROUTING -s 192.168.50.0/24 -o tun0 -j MASQUERADE",
			"iptables -t nat -A POSTROUTING -s 192.168.50.0/24 -o tun0 -j MASQUERADE",
			"iptables -C FORWARD -s 192.168.50.0/24 -o tun0 -j ACCEPT",
			"iptables -A FORWARD -s 192.168.50.0/24 -o tun0 -j ACCEPT",
		}, runner.Commands)
	})

	t.Run("should not duplicate existing rules", func(t *testing.T) {
		runner := NewScriptedRunner()
		require.NoError(t, NewIPTables(runner, "tun0").EnsureForwarding(ctx, "192.168.50.0/24"))
		assert.Empty(t, runner.Sent("iptables -A"))
		assert.Empty(t, runner.Sent("iptables -t nat -A"))
	})

	t.Run("should tolerate missing rules on removal", func(t *testing.T) {
		runner := NewScriptedRunner().On("iptables", Output{
			Stdout:   "iptables: Bad rule (does a matching rule exist in that chain?).",
			ExitCode: 1,
		})
		assert.NoError(t, NewIPTables(runner, "tun0").RemoveForwarding(ctx, "192.168.50.0/24"))
		assert.Len(t, runner.Commands, 2)
	})

	t.Run("should enable forwarding before base rules", func(t *testing.T) {
		runner := NewScriptedRunner().On("iptables -t nat -C", Output{ExitCode: 1})
		require.NoError(t, NewIPTables(runner, "tun0").ApplyBaseRules(ctx))
		assert.Equal(t, "sysctl -w net.ipv4.ip_forward=1", runner.Commands[0])
		assert.Equal(t, []string{"iptables -t nat -A POSTROUTING -o tun0 -j MASQUERADE"}, runner.Sent("iptables -t nat -A"))
	})
}

func TestDetector(t *testing.T) {
	ctx := context.Background()

	t.Run("should prefer a via token", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route show dev tun0", Output{Stdout: "0.0.0.0/1 via 10.8.0.5 dev tun0\n10.8.0.0/24 proto kernel"})
		d, ok := NewDetector(runner, "tun0", "10.8.0.1").Detect(ctx)
		require.True(t, ok)
		assert.Equal(t, Detection{Gateway: "10.8.0.5", Source: SourceRoute}, d)
	})

	t.Run("should map the first address to its .1", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route show dev tun0", Output{Stdout: "10.9.4.0/24 proto kernel scope link src 10.9.4.6\n"})
		d, ok := NewDetector(runner, "tun0", "10.8.0.1").Detect(ctx)
		require.True(t, ok)
		assert.Equal(t, "10.9.4.1", d.Gateway)
		assert.Equal(t, SourceAddress, d.Source)
	})

	t.Run("should use the override route", func(t *testing.T) {
		runner := NewScriptedRunner().
			On("ip route show dev tun0", Output{Stdout: "default proto static\n"}).
			On("ip route show 0.0.0.0/1 dev tun0", Output{Stdout: "0.0.0.0/1 via 10.8.0.9\n"})
		d, ok := NewDetector(runner, "tun0", "10.8.0.1").Detect(ctx)
		require.True(t, ok)
		assert.Equal(t, Detection{Gateway: "10.8.0.9", Source: SourceOverride}, d)
	})

	t.Run("should fall back when nothing matches", func(t *testing.T) {
		runner := NewScriptedRunner()
		d, ok := NewDetector(runner, "tun0", "10.8.0.1").Detect(ctx)
		require.True(t, ok)
		assert.Equal(t, Detection{Gateway: "10.8.0.1", Source: SourceFallback}, d)
	})

	t.Run("should report none when the tunnel cannot be listed", func(t *testing.T) {
		runner := NewScriptedRunner().On("ip route show dev tun0", Output{Stdout: "Cannot find device \"tun0\"", ExitCode: 1})
		_, ok := NewDetector(runner, "tun0", "10.8.0.1").Detect(ctx)
		assert.False(t, ok)
	})
}
