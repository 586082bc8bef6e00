package geo

import (
	"net"
)

// IsPublic reports whether ip can be geolocated: loopback, private,
// link-local, multicast and unspecified addresses cannot.
func IsPublic(ip net.IP) bool {
	switch {
	case ip == nil,
		ip.IsUnspecified(),
		ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(),
		ip.IsMulticast():
		return false
	}
	return true
}

// AnonymizeIP truncates an address for logging. IPv4 keeps the first three
// octets (192.168.1.100 becomes 192.168.1.0); IPv6 keeps the first 48 bits.
// Invalid input yields "".
func AnonymizeIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	if ip4 := ip.To4(); ip4 != nil {
		return net.IPv4(ip4[0], ip4[1], ip4[2], 0).String()
	}
	masked := ip.Mask(net.CIDRMask(48, 128))
	return masked.String()
}
