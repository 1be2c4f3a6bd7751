package spf

import "net"

// Precomputed masks indexed by prefix length, built once at init rather
// than recomputed on every mechanism check.
var (
	ip4Masks [33]net.IPMask
	ip6Masks [129]net.IPMask
)

func init() {
	for i := 0; i <= 32; i++ {
		ip4Masks[i] = net.CIDRMask(i, 32)
	}
	for i := 0; i <= 128; i++ {
		ip6Masks[i] = net.CIDRMask(i, 128)
	}
}

const (
	minIP4Prefix, maxIP4Prefix = 0, 32
	minIP6Prefix, maxIP6Prefix = 0, 128
)

// matchIP4 reports whether client and rule fall in the same /prefix network.
// Both arguments must be (or convert via To4) IPv4 addresses.
func matchIP4(client, rule net.IP, prefix int) bool {
	if prefix < minIP4Prefix || prefix > maxIP4Prefix {
		return false
	}
	c4, r4 := client.To4(), rule.To4()
	if c4 == nil || r4 == nil {
		return false
	}
	mask := ip4Masks[prefix]
	return c4.Mask(mask).Equal(r4.Mask(mask))
}

// matchIP6 is matchIP4 for IPv6.
func matchIP6(client, rule net.IP, prefix int) bool {
	if prefix < minIP6Prefix || prefix > maxIP6Prefix {
		return false
	}
	c6, r6 := client.To16(), rule.To16()
	if c6 == nil || r6 == nil || client.To4() != nil || rule.To4() != nil {
		return false
	}
	mask := ip6Masks[prefix]
	return c6.Mask(mask).Equal(r6.Mask(mask))
}

// normalizeClientIP folds an IPv4-mapped IPv6 address down to its 4-byte
// form, per data-model invariant 1 (exactly one of v4/v6 is set).
func normalizeClientIP(ip net.IP) (net.IP, bool) {
	if v4 := ip.To4(); v4 != nil {
		return v4, true
	}
	return ip.To16(), false
}
