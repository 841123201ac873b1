package ip

import (
	"fmt"
	"net/netip"
	"strings"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
)

// Pool is the client address range of one server: Base is a /24 network and
// clients get host numbers Start..End inclusive.
type Pool struct {
	Base  netip.Prefix
	Start uint8
	End   uint8
}

// ParsePool builds a Pool from catalog values. base may be given with or
// without a /24 suffix.
func ParsePool(base string, start, end int) (Pool, error) {
	if !strings.Contains(base, "/") {
		base += "/24"
	}
	prefix, err := netip.ParsePrefix(base)
	if err != nil {
		return Pool{}, invalidPool(base, err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() != 24 {
		return Pool{}, invalidPool(base, fmt.Errorf("pool base must be an IPv4 /24"))
	}
	if start < 1 || end > 254 || start > end {
		return Pool{}, invalidPool(base, fmt.Errorf("host range %d-%d outside 1-254", start, end))
	}
	return Pool{Base: prefix.Masked(), Start: uint8(start), End: uint8(end)}, nil
}

func invalidPool(base string, cause error) error {
	return apperrors.NewIPError(apperrors.ErrCodeInvalidPool, "invalid address pool", false, cause).
		WithMetadata("pool_base", base)
}

// Addr returns the address with the given host number.
func (p Pool) Addr(host uint8) netip.Addr {
	b := p.Base.Addr().As4()
	b[3] = host
	return netip.AddrFrom4(b)
}

// Contains reports whether addr lies inside the allocatable range.
func (p Pool) Contains(addr netip.Addr) bool {
	if !addr.Is4() || !p.Base.Contains(addr) {
		return false
	}
	host := addr.As4()[3]
	return host >= p.Start && host <= p.End
}

// Size returns the number of allocatable addresses.
func (p Pool) Size() int {
	return int(p.End) - int(p.Start) + 1
}

func (p Pool) String() string {
	return fmt.Sprintf("%s[%d-%d]", p.Base, p.Start, p.End)
}

// NextFree returns the lowest address of the pool not present in used.
// Entries of used outside the pool are ignored.
func NextFree(pool Pool, used map[netip.Addr]struct{}) (netip.Addr, error) {
	for host := int(pool.Start); host <= int(pool.End); host++ {
		addr := pool.Addr(uint8(host))
		if _, taken := used[addr]; !taken {
			return addr, nil
		}
	}
	return netip.Addr{}, apperrors.NewIPError(apperrors.ErrCodePoolExhausted, "no free address in pool", false, nil).
		WithMetadata("pool", pool.String())
}

// UsedSet parses stored address strings into a lookup set. Unparseable
// entries are returned separately so callers can log them.
func UsedSet(addrs []string) (map[netip.Addr]struct{}, []string) {
	used := make(map[netip.Addr]struct{}, len(addrs))
	var invalid []string
	for _, s := range addrs {
		addr, err := netip.ParseAddr(strings.TrimSuffix(s, "/32"))
		if err != nil {
			invalid = append(invalid, s)
			continue
		}
		used[addr] = struct{}{}
	}
	return used, invalid
}
