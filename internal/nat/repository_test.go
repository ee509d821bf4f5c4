package nat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpn-gateway/internal/errs"
	"vpn-gateway/internal/routeros"
)

const natPrint = `Flags: X - disabled, I - invalid, D - dynamic
 0    ;;; Windows Server - 3389/TCP - Dashboard 2024-03-01 10:30
      chain=dstnat action=dst-nat to-addresses=10.0.10.4 to-ports=3389 protocol=tcp dst-port=13389

 1 X  ;;; old jupyter
      chain=dstnat action=dst-nat to-addresses=10.0.10.7 to-ports=8888 protocol=tcp dst-port=8888
`

func TestRouterOSRepository(t *testing.T) {
	ctx := context.Background()

	t.Run("should parse dst-nat rules", func(t *testing.T) {
		exec := routeros.NewScriptedExecutor().On("/ip firewall nat print", routeros.Result{Stdout: natPrint})
		rules, err := NewRouterOSRepository(exec).List(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 2)

		assert.Equal(t, Rule{
			ID:              "0",
			ExternalPort:    13389,
			Protocol:        "tcp",
			InternalAddress: "10.0.10.4",
			InternalPort:    3389,
			Comment:         "Windows Server - 3389/TCP - Dashboard 2024-03-01 10:30",
			Enabled:         true,
		}, rules[0])
		assert.False(t, rules[1].Enabled)
	})

	t.Run("should snapshot before adding", func(t *testing.T) {
		exec := routeros.NewScriptedExecutor()
		err := NewRouterOSRepository(exec).Add(ctx, Rule{
			ExternalPort: 8080, Protocol: "tcp", InternalAddress: "10.0.10.4", InternalPort: 80, Comment: "web",
		})
		require.NoError(t, err)
		require.Len(t, exec.Commands, 2)
		assert.Contains(t, exec.Commands[0], "/system backup save")
		assert.Equal(t,
			`/ip firewall nat add chain=dstnat dst-port=8080 protocol=tcp to-addresses=10.0.10.4 to-ports=80 action=dst-nat comment="web"`,
			exec.Commands[1])
	})

	t.Run("should resolve print indexes in the same session", func(t *testing.T) {
		exec := routeros.NewScriptedExecutor()
		removed, err := NewRouterOSRepository(exec).RemoveByID(ctx, "3")
		require.NoError(t, err)
		assert.True(t, removed)
		assert.Equal(t, "/ip firewall nat print without-paging where chain=dstnat; /ip firewall nat remove 3", exec.Commands[1])

		require.NoError(t, NewRouterOSRepository(exec).SetEnabled(ctx, "*1A", false))
		assert.Equal(t, "/ip firewall nat disable *1A", exec.Commands[3])
	})

	t.Run("should treat no such item as nothing removed", func(t *testing.T) {
		exec := routeros.NewScriptedExecutor().On("/ip firewall nat remove", routeros.Result{Stdout: "no such item"})
		removed, err := NewRouterOSRepository(exec).RemoveByComment(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("should report device failures as apply errors", func(t *testing.T) {
		exec := routeros.NewScriptedExecutor().On("/ip firewall nat add", routeros.Result{Stdout: "failure: invalid value for argument to-addresses"})
		err := NewRouterOSRepository(exec).Add(ctx, Rule{ExternalPort: 8080, Protocol: "tcp", InternalAddress: "x", InternalPort: 80})
		assert.Equal(t, errs.KindApply, errs.KindOf(err))
	})
}
