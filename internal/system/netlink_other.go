//go:build !linux

package system

import (
	"context"
	"errors"
)

// NetlinkRouteTable is only available on Linux.
type NetlinkRouteTable struct{}

// NewNetlinkRouteTable always fails off Linux.
func NewNetlinkRouteTable(string) (*NetlinkRouteTable, error) {
	return nil, errors.New("netlink route backend requires linux")
}

func (t *NetlinkRouteTable) Close() error { return nil }

func (t *NetlinkRouteTable) Add(context.Context, string, string) error {
	return errors.New("netlink route backend requires linux")
}

func (t *NetlinkRouteTable) Delete(context.Context, string) error {
	return errors.New("netlink route backend requires linux")
}

func (t *NetlinkRouteTable) List(context.Context) ([]KernelRoute, error) {
	return nil, errors.New("netlink route backend requires linux")
}
