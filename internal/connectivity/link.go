package connectivity

import (
	"context"
	"net"
)

// InterfaceLinkChecker treats the link as up when any non-loopback
// interface is up and has an address.
type InterfaceLinkChecker struct {
	interfaces func() ([]net.Interface, error)
}

// NewInterfaceLinkChecker returns a LinkChecker backed by the host's
// network interfaces.
func NewInterfaceLinkChecker() *InterfaceLinkChecker {
	return &InterfaceLinkChecker{interfaces: net.Interfaces}
}

// LinkUp implements LinkChecker.
func (c *InterfaceLinkChecker) LinkUp(context.Context) bool {
	ifaces, err := c.interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// StaticLink is a LinkChecker with a fixed answer.
type StaticLink bool

// LinkUp implements LinkChecker.
func (s StaticLink) LinkUp(context.Context) bool { return bool(s) }
