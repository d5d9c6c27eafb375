// Package netmgr implements the virtual network manager: veth/macvlan/
// bridge/phys device creation, moving interfaces across network
// namespaces, and address/route manipulation, all executed through
// github.com/vishvananda/netlink (optionally scoped to a zone's network
// namespace via internal/netlinkcodec).
package netmgr

import (
	"fmt"
	"strconv"
	"strings"
)

// DevType is the kind of virtual network device.
type DevType string

const (
	DevVeth    DevType = "veth"
	DevMacvlan DevType = "macvlan"
	DevBridge  DevType = "bridge"
	DevPhys    DevType = "phys"
	DevMove    DevType = "move"
)

// MacvlanMode mirrors the macvlan forwarding modes.
type MacvlanMode string

const (
	MacvlanPrivate   MacvlanMode = "private"
	MacvlanVEPA      MacvlanMode = "vepa"
	MacvlanBridge    MacvlanMode = "bridge"
	MacvlanPassthru  MacvlanMode = "passthru"
)

// Family is an address family.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// AddrSpec is one address attached to a NetDev.
type AddrSpec struct {
	Family    Family
	Address   string
	PrefixLen int
	Scope     int
	Flags     int
}

// RouteSpec is one route attached to a NetDev.
type RouteSpec struct {
	Dst string // CIDR, or "" for default
	Gw  string
}

// NetDev is an interface bound to a zone's network namespace.
type NetDev struct {
	Name       string
	Type       DevType
	Mode       MacvlanMode
	MTU        int
	MAC        string
	Flags      uint32
	TxQueueLen int
	Addrs      []AddrSpec
	Routes     []RouteSpec
}

// Attrs is the recognized attribute set for SetAttrs/GetAttrs.
type Attrs struct {
	MTU    *uint32
	Link   *uint32
	Flags  *uint32
	Change uint32
	Type   *uint16
	IPv4   []string
	IPv6   []string
}

const defaultChange = 0xFFFFFFFF

// ParseAddrSpec parses the repeatable "ip:X,prefixlen:N[,scope:S][,flags:F]"
// format used by SetAttrs for ipv4/ipv6 entries.
func ParseAddrSpec(s string) (AddrSpec, error) {
	var a AddrSpec
	a.PrefixLen = -1

	for _, field := range strings.Split(s, ",") {
		kv := strings.SplitN(field, ":", 2)
		if len(kv) != 2 {
			return AddrSpec{}, fmt.Errorf("netmgr: malformed address attribute field %q", field)
		}

		key, val := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		switch key {
		case "ip":
			a.Address = val
		case "prefixlen":
			n, err := strconv.Atoi(val)
			if err != nil {
				return AddrSpec{}, fmt.Errorf("netmgr: invalid prefixlen %q: %w", val, err)
			}
			a.PrefixLen = n
		case "scope":
			n, err := strconv.Atoi(val)
			if err != nil {
				return AddrSpec{}, fmt.Errorf("netmgr: invalid scope %q: %w", val, err)
			}
			a.Scope = n
		case "flags":
			n, err := strconv.Atoi(val)
			if err != nil {
				return AddrSpec{}, fmt.Errorf("netmgr: invalid flags %q: %w", val, err)
			}
			a.Flags = n
		default:
			return AddrSpec{}, fmt.Errorf("netmgr: unknown address attribute %q", key)
		}
	}

	if a.Address == "" || a.PrefixLen < 0 {
		return AddrSpec{}, fmt.Errorf("netmgr: address spec %q missing ip or prefixlen", s)
	}

	return a, nil
}
