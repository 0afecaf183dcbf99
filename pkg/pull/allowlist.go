package pull

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/polisai/polis-agent-ctl/pkg/domain"
)

// AllowList matches peer addresses against IP and CIDR patterns. An empty
// list allows every address.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList parses patterns such as "10.0.0.0/8", "192.168.1.7" or
// "2001:db8::/32".
func ParseAllowList(patterns []string) (*AllowList, error) {
	list := &AllowList{}
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}

		if strings.Contains(pattern, "/") {
			prefix, err := netip.ParsePrefix(pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: allowed_ip %q: %w", domain.ErrConfigInvalid, raw, err)
			}
			list.prefixes = append(list.prefixes, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: allowed_ip %q: %w", domain.ErrConfigInvalid, raw, err)
		}
		addr = addr.Unmap()
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

// Empty reports whether the list allows everything.
func (l *AllowList) Empty() bool {
	return l == nil || len(l.prefixes) == 0
}

// Allows reports whether addr matches one of the patterns.
func (l *AllowList) Allows(addr netip.Addr) bool {
	if l.Empty() {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// AllowsRemote applies Allows to a connection's remote address. Addresses
// without an IP (for example pipes) are only allowed by an empty list.
func (l *AllowList) AllowsRemote(remote net.Addr) bool {
	if l.Empty() {
		return true
	}
	addr, ok := remoteIP(remote)
	if !ok {
		return false
	}
	return l.Allows(addr)
}

func remoteIP(remote net.Addr) (netip.Addr, bool) {
	switch a := remote.(type) {
	case *net.TCPAddr:
		return a.AddrPort().Addr(), true
	case nil:
		return netip.Addr{}, false
	default:
		addrPort, err := netip.ParseAddrPort(remote.String())
		if err != nil {
			return netip.Addr{}, false
		}
		return addrPort.Addr(), true
	}
}

// String renders the patterns for logging.
func (l *AllowList) String() string {
	if l.Empty() {
		return "*"
	}
	parts := make([]string, 0, len(l.prefixes))
	for _, prefix := range l.prefixes {
		parts = append(parts, prefix.String())
	}
	return strings.Join(parts, ",")
}
