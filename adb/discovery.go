package adb

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
)

// ServiceType is advertised by devices with wireless debugging enabled.
const ServiceType = "_adb._tcp"

// Endpoint is a device found on the local network.
type Endpoint struct {
	Instance string `json:"instance"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
}

// Address is the host:port to pass to Connect.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Discover browses mDNS until ctx is done.
func Discover(ctx context.Context) ([]Endpoint, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	var found []Endpoint
	for entry := range entries {
		if ep, ok := endpointFrom(entry); ok {
			found = append(found, ep)
		}
	}
	slog.Debug("mdns browse done", "component", "adb", "found", len(found))
	return found, nil
}

func endpointFrom(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	var ip string
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0].String()
	default:
		return Endpoint{}, false
	}
	return Endpoint{Instance: entry.Instance, IP: ip, Port: entry.Port}, true
}
