package netmgr

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/vasum/vasum/internal/netlinkcodec"
)

// Manager creates and mutates virtual network devices, optionally scoped
// to a zone's network namespace by pid.
type Manager struct{}

// NewManager returns a ready Manager. It carries no state of its own;
// every operation opens the netlink handle it needs and closes it again,
// since zones come and go independently of any one manager instance.
func NewManager() *Manager {
	return &Manager{}
}

func open(nsPid int) (*netlinkcodec.Codec, error) {
	return netlinkcodec.Open(nsPid)
}

// CreateVeth creates a veth pair in the caller's namespace named
// hostSide/peerSide, then moves peerSide into the namespace of nsPid (0
// meaning "leave it in the caller's namespace").
func (m *Manager) CreateVeth(hostSide, peerSide string, nsPid int) error {
	c, err := open(0)
	if err != nil {
		return err
	}
	defer c.Close()

	link := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: hostSide},
		PeerName:  peerSide,
	}

	if err := c.Handle().LinkAdd(link); err != nil {
		return fmt.Errorf("netmgr: create veth %s/%s: %w", hostSide, peerSide, err)
	}

	if nsPid == 0 {
		return nil
	}

	peer, err := c.Handle().LinkByName(peerSide)
	if err != nil {
		_ = c.Handle().LinkDel(link)
		return fmt.Errorf("netmgr: lookup veth peer %s: %w", peerSide, err)
	}

	if err := c.Handle().LinkSetNsPid(peer, nsPid); err != nil {
		// Spec requires create/destroy pairs to leave the interface
		// list unchanged even on failure; the veth pair is still in
		// our namespace at this point, so tear it down.
		_ = c.Handle().LinkDel(link)
		return fmt.Errorf("netmgr: move veth peer %s to pid %d: %w", peerSide, nsPid, err)
	}

	return nil
}

// CreateMacvlan creates a macvlan slave interface on top of master,
// landing it in the namespace of nsPid.
func (m *Manager) CreateMacvlan(master, slave string, mode MacvlanMode, nsPid int) error {
	c, err := open(0)
	if err != nil {
		return err
	}
	defer c.Close()

	parent, err := c.Handle().LinkByName(master)
	if err != nil {
		return fmt.Errorf("netmgr: lookup macvlan master %s: %w", master, err)
	}

	link := &netlink.Macvlan{
		LinkAttrs: netlink.LinkAttrs{
			Name:        slave,
			ParentIndex: parent.Attrs().Index,
		},
		Mode: macvlanModeOf(mode),
	}

	if err := c.Handle().LinkAdd(link); err != nil {
		return fmt.Errorf("netmgr: create macvlan %s on %s: %w", slave, master, err)
	}

	if nsPid == 0 {
		return nil
	}

	created, err := c.Handle().LinkByName(slave)
	if err != nil {
		_ = c.Handle().LinkDel(link)
		return fmt.Errorf("netmgr: lookup created macvlan %s: %w", slave, err)
	}

	if err := c.Handle().LinkSetNsPid(created, nsPid); err != nil {
		// Same cleanup-on-failure requirement as CreateVeth: the slave
		// is still in our namespace here, so remove it.
		_ = c.Handle().LinkDel(created)
		return fmt.Errorf("netmgr: move macvlan %s to pid %d: %w", slave, nsPid, err)
	}

	return nil
}

func macvlanModeOf(m MacvlanMode) netlink.MacvlanMode {
	switch m {
	case MacvlanVEPA:
		return netlink.MACVLAN_MODE_VEPA
	case MacvlanBridge:
		return netlink.MACVLAN_MODE_BRIDGE
	case MacvlanPassthru:
		return netlink.MACVLAN_MODE_PASSTHRU
	default:
		return netlink.MACVLAN_MODE_PRIVATE
	}
}

// CreateBridge creates a standalone bridge device in the caller's
// namespace (bridges are never created directly inside a zone's
// namespace; interfaces are attached to them from the host side).
func (m *Manager) CreateBridge(name string) error {
	c, err := open(0)
	if err != nil {
		return err
	}
	defer c.Close()

	link := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := c.Handle().LinkAdd(link); err != nil {
		return fmt.Errorf("netmgr: create bridge %s: %w", name, err)
	}

	return c.Handle().LinkSetUp(link)
}

// AttachToBridge enslaves ifName to bridge bridgeName. vishvananda/netlink
// does this by setting IFLA_MASTER over netlink, the modern equivalent of
// the classic SIOCBRADDIF ioctl.
func (m *Manager) AttachToBridge(ifName, bridgeName string) error {
	c, err := open(0)
	if err != nil {
		return err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(ifName)
	if err != nil {
		return fmt.Errorf("netmgr: lookup %s: %w", ifName, err)
	}

	bridge, err := c.Handle().LinkByName(bridgeName)
	if err != nil {
		return fmt.Errorf("netmgr: lookup bridge %s: %w", bridgeName, err)
	}

	if err := c.Handle().LinkSetMaster(link, bridge); err != nil {
		return fmt.Errorf("netmgr: attach %s to bridge %s: %w", ifName, bridgeName, err)
	}

	return nil
}

// MovePhys moves an existing physical (or any host-resident) interface
// into the namespace of nsPid. The interface is renamed on arrival is
// left to the caller; the kernel preserves the original name unless it
// collides, in which case LinkSetNsPid fails and the caller must resolve
// the conflict before retrying.
func (m *Manager) MovePhys(name string, nsPid int) error {
	c, err := open(0)
	if err != nil {
		return err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(name)
	if err != nil {
		return fmt.Errorf("netmgr: lookup phys %s: %w", name, err)
	}

	if err := c.Handle().LinkSetNsPid(link, nsPid); err != nil {
		return fmt.Errorf("netmgr: move phys %s to pid %d: %w", name, nsPid, err)
	}

	return nil
}

// Destroy deletes the named interface from the namespace of nsPid.
func (m *Manager) Destroy(name string, nsPid int) error {
	c, err := open(nsPid)
	if err != nil {
		return err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(name)
	if err != nil {
		return fmt.Errorf("netmgr: lookup %s: %w", name, err)
	}

	if err := c.Handle().LinkDel(link); err != nil {
		return fmt.Errorf("netmgr: destroy %s: %w", name, err)
	}

	return nil
}

// SetAttrs sets the MTU when attrs.MTU is non-nil and brings the link up
// when bit 0 of attrs.Flags is set, then attaches any listed IPv4/IPv6
// addresses. No other field of attrs is applied, and a Flags value with
// bit 0 clear does not bring the link down.
func (m *Manager) SetAttrs(name string, nsPid int, attrs Attrs) error {
	c, err := open(nsPid)
	if err != nil {
		return err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(name)
	if err != nil {
		return fmt.Errorf("netmgr: lookup %s: %w", name, err)
	}

	if attrs.MTU != nil {
		if err := c.Handle().LinkSetMTU(link, int(*attrs.MTU)); err != nil {
			return fmt.Errorf("netmgr: set mtu on %s: %w", name, err)
		}
	}

	if attrs.Flags != nil && *attrs.Flags&1 != 0 {
		if err := c.Handle().LinkSetUp(link); err != nil {
			return fmt.Errorf("netmgr: set up on %s: %w", name, err)
		}
	}

	for _, raw := range attrs.IPv4 {
		spec, err := ParseAddrSpec(raw)
		if err != nil {
			return err
		}
		if err := m.addAddr(c, link, spec); err != nil {
			return err
		}
	}

	for _, raw := range attrs.IPv6 {
		spec, err := ParseAddrSpec(raw)
		if err != nil {
			return err
		}
		if err := m.addAddr(c, link, spec); err != nil {
			return err
		}
	}

	return nil
}

func (m *Manager) addAddr(c *netlinkcodec.Codec, link netlink.Link, spec AddrSpec) error {
	ipNet := &net.IPNet{
		IP:   net.ParseIP(spec.Address),
		Mask: net.CIDRMask(spec.PrefixLen, addrBits(spec.Address)),
	}
	if ipNet.IP == nil {
		return fmt.Errorf("netmgr: invalid address %q", spec.Address)
	}

	addr := &netlink.Addr{IPNet: ipNet, Scope: spec.Scope, Flags: spec.Flags}
	if err := c.Handle().AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netmgr: add address %s to %s: %w", spec.Address, link.Attrs().Name, err)
	}

	return nil
}

func addrBits(ip string) int {
	if net.ParseIP(ip).To4() != nil {
		return 32
	}
	return 128
}

// GetAttrs reads back an interface's MTU and addresses. Change is set to
// its default; no other attribute is read, so the remaining fields of the
// returned Attrs are left unset.
func (m *Manager) GetAttrs(name string, nsPid int) (Attrs, error) {
	c, err := open(nsPid)
	if err != nil {
		return Attrs{}, err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(name)
	if err != nil {
		return Attrs{}, fmt.Errorf("netmgr: lookup %s: %w", name, err)
	}

	mtu := uint32(link.Attrs().MTU)
	attrs := Attrs{MTU: &mtu, Change: defaultChange}

	addrs, err := c.Handle().AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return Attrs{}, fmt.Errorf("netmgr: list addresses on %s: %w", name, err)
	}

	for _, a := range addrs {
		s := a.IPNet.String()
		if a.IPNet.IP.To4() != nil {
			attrs.IPv4 = append(attrs.IPv4, s)
		} else {
			attrs.IPv6 = append(attrs.IPv6, s)
		}
	}

	return attrs, nil
}

// AddIP attaches an address to an interface.
func (m *Manager) AddIP(name string, nsPid int, spec AddrSpec) error {
	c, err := open(nsPid)
	if err != nil {
		return err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(name)
	if err != nil {
		return fmt.Errorf("netmgr: lookup %s: %w", name, err)
	}

	return m.addAddr(c, link, spec)
}

// DelIP removes an address given in CIDR form, e.g. "10.0.0.2/24".
func (m *Manager) DelIP(name string, nsPid int, cidr string) error {
	c, err := open(nsPid)
	if err != nil {
		return err
	}
	defer c.Close()

	link, err := c.Handle().LinkByName(name)
	if err != nil {
		return fmt.Errorf("netmgr: lookup %s: %w", name, err)
	}

	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("netmgr: parse address %q: %w", cidr, err)
	}

	if err := c.Handle().AddrDel(link, addr); err != nil {
		return fmt.Errorf("netmgr: delete address %s from %s: %w", cidr, name, err)
	}

	return nil
}

// List returns the names of every interface present in the namespace of
// nsPid.
func (m *Manager) List(nsPid int) ([]string, error) {
	c, err := open(nsPid)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	links, err := c.Handle().LinkList()
	if err != nil {
		return nil, fmt.Errorf("netmgr: list links: %w", err)
	}

	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}

	return names, nil
}
