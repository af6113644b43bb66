package ingest

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/restrike/restrike-vta/internal/apperr"
)

// InterfaceType classifies a network interface.
type InterfaceType string

const (
	Ethernet InterfaceType = "ethernet"
	WiFi     InterfaceType = "wifi"
	Loopback InterfaceType = "loopback"
	Other    InterfaceType = "other"
)

// Iface is the subset of interface data the bind policy needs.
type Iface struct {
	Name     string
	Type     InterfaceType
	Up       bool
	Loopback bool
	Addrs    []net.IP
}

// InterfaceLister enumerates network interfaces.
type InterfaceLister interface {
	Interfaces() ([]Iface, error)
}

// SystemInterfaces lists the host's interfaces through package net.
type SystemInterfaces struct{}

// Interfaces implements InterfaceLister.
func (SystemInterfaces) Interfaces() ([]Iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	out := make([]Iface, 0, len(ifs))
	for _, nif := range ifs {
		iface := Iface{
			Name:     nif.Name,
			Up:       nif.Flags&net.FlagUp != 0,
			Loopback: nif.Flags&net.FlagLoopback != 0,
		}
		iface.Type = classify(nif.Name, iface.Loopback)
		addrs, err := nif.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok {
				iface.Addrs = append(iface.Addrs, ipn.IP)
			}
		}
		out = append(out, iface)
	}
	return out, nil
}

// classify guesses the medium from the interface name.
func classify(name string, loopback bool) InterfaceType {
	if loopback {
		return Loopback
	}
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.Contains(n, "wi-fi"), strings.Contains(n, "wifi"),
		strings.Contains(n, "wireless"), strings.HasPrefix(n, "ath"):
		return WiFi
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"), strings.Contains(n, "ethernet"):
		return Ethernet
	}
	return Other
}

// NetworkConfig is the interface selection policy.
type NetworkConfig struct {
	AutoDetect          bool
	PreferredType       string
	FallbackToLocalhost bool
	SelectedInterface   string
}

// SelectBindAddress picks the address the PSS socket binds to.
//
// With AutoDetect off, SelectedInterface is used verbatim: an IP literal,
// or an interface name resolved to its first IPv4 address. An empty
// selection binds all interfaces.
func SelectBindAddress(lister InterfaceLister, cfg NetworkConfig) (net.IP, error) {
	const op = "ingest.SelectBindAddress"
	if !cfg.AutoDetect {
		sel := strings.TrimSpace(cfg.SelectedInterface)
		if sel == "" {
			return net.IPv4zero, nil
		}
		if ip := net.ParseIP(sel); ip != nil {
			return ip, nil
		}
		ifs, err := lister.Interfaces()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindIo, op, err)
		}
		for _, iface := range ifs {
			if iface.Name == sel {
				if ip := firstIPv4(iface.Addrs); ip != nil {
					return ip, nil
				}
				return nil, apperr.Errorf(apperr.KindConfig, op, "interface %q has no IPv4 address", sel)
			}
		}
		return nil, apperr.Errorf(apperr.KindConfig, op, "interface %q not found", sel)
	}

	preferred := InterfaceType(strings.ToLower(strings.TrimSpace(cfg.PreferredType)))
	switch preferred {
	case "", "any":
		preferred = "any"
	case Ethernet, WiFi:
	default:
		return nil, apperr.Errorf(apperr.KindConfig, op, "unknown preferred_type %q", cfg.PreferredType)
	}

	ifs, err := lister.Interfaces()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIo, op, err)
	}
	var candidates []Iface
	for _, iface := range ifs {
		if !iface.Up || iface.Loopback || firstIPv4(iface.Addrs) == nil {
			continue
		}
		if preferred != "any" && iface.Type != preferred {
			continue
		}
		if preferred == "any" && iface.Type != Ethernet && iface.Type != WiFi {
			continue
		}
		candidates = append(candidates, iface)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return rank(candidates[i].Type) < rank(candidates[j].Type)
	})
	if len(candidates) > 0 {
		return firstIPv4(candidates[0].Addrs), nil
	}
	if cfg.FallbackToLocalhost {
		return net.IPv4(127, 0, 0, 1), nil
	}
	return nil, apperr.Errorf(apperr.KindConfig, op, "no %s interface is up and fallback to localhost is disabled", preferred)
}

func rank(t InterfaceType) int {
	if t == Ethernet {
		return 0
	}
	return 1
}

func firstIPv4(addrs []net.IP) net.IP {
	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}
