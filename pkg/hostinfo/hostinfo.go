// Package hostinfo resolves the identity of the machine the service runs on.
package hostinfo

import (
	"net"
	"os"
)

// UnknownIP is returned when no non-loopback IPv4 address is found.
const UnknownIP = "0.0.0.0"

const unknownHostname = "localhost"

type Identity struct {
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
}

// Resolve returns the hostname and the first non-loopback IPv4 address found
// across the network interfaces, in enumeration order. It never fails.
func Resolve() Identity {
	return resolve(systemInterfaces, os.Hostname)
}

type iface struct {
	loopback bool
	addrs    []net.Addr
}

func systemInterfaces() ([]iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	res := make([]iface, 0, len(ifs))
	for _, i := range ifs {
		addrs, err := i.Addrs()
		if err != nil {
			continue
		}
		res = append(res, iface{
			loopback: i.Flags&net.FlagLoopback != 0,
			addrs:    addrs,
		})
	}

	return res, nil
}

func resolve(interfaces func() ([]iface, error), hostname func() (string, error)) Identity {
	id := Identity{
		Hostname: unknownHostname,
		IP:       UnknownIP,
	}

	if h, err := hostname(); err == nil && h != "" {
		id.Hostname = h
	}

	ifs, err := interfaces()
	if err != nil {
		return id
	}

	for _, i := range ifs {
		if ip := firstIPv4(i); ip != "" {
			id.IP = ip
			break
		}
	}

	return id
}

func firstIPv4(i iface) string {
	if i.loopback {
		return ""
	}

	for _, addr := range i.addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			// IPv4-mapped IPv6 addresses carry a 16 byte mask and count as IPv6
			if len(a.Mask) != net.IPv4len {
				continue
			}
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}

		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}

	return ""
}
