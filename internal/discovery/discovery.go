// Package discovery advertises and finds passdrop senders on the local
// network. The protocol core depends only on the Advertiser and Resolver
// interfaces; Zeroconf implements both over multicast DNS.
package discovery

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/merlos/passdrop/internal/crypto"
	"github.com/merlos/passdrop/pkg/protocol"
)

const (
	// ServiceType is the DNS-SD service type senders register.
	ServiceType = "_passdrop._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// InstancePrefix starts every sender instance name.
	InstancePrefix = "passdrop-"
)

// Service is a resolved sender.
type Service struct {
	Instance string
	Host     string
	Port     int
}

// Advertisement is a live registration.
type Advertisement interface {
	// Shutdown withdraws the registration.
	Shutdown()
}

// Advertiser registers a sender.
type Advertiser interface {
	Advertise(instance string, port int) (Advertisement, error)
}

// Resolver finds one sender. It returns protocol.ErrDiscoveryFailed if none
// is found before ctx is done.
type Resolver interface {
	Resolve(ctx context.Context) (*Service, error)
}

// NewInstanceName returns a fresh "passdrop-xxxxxxxx" instance name.
func NewInstanceName() (string, error) {
	b, err := crypto.RandomBytes(4)
	if err != nil {
		return "", err
	}
	return InstancePrefix + hex.EncodeToString(b), nil
}

// Zeroconf advertises and resolves over mDNS.
type Zeroconf struct {
	Log *slog.Logger
}

// Advertise registers instance on port on all interfaces.
func (z *Zeroconf) Advertise(instance string, port int) (Advertisement, error) {
	txt := []string{fmt.Sprintf("v=%d", protocol.Version)}
	srv, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	z.Log.Debug("mDNS service registered", "instance", instance, "port", port)
	return srv, nil
}

// Resolve browses for ServiceType and returns the first passdrop instance
// with a usable address.
func (z *Zeroconf) Resolve(ctx context.Context) (*Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating mDNS resolver: %v", protocol.ErrDiscoveryFailed, err)
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(bctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("%w: browsing: %v", protocol.ErrDiscoveryFailed, err)
	}

	for {
		select {
		case <-bctx.Done():
			return nil, fmt.Errorf("%w: no %s service answered", protocol.ErrDiscoveryFailed, ServiceType)
		case e, ok := <-entries:
			if !ok {
				return nil, fmt.Errorf("%w: no %s service answered", protocol.ErrDiscoveryFailed, ServiceType)
			}
			if svc := serviceFromEntry(e); svc != nil {
				return svc, nil
			}
			z.Log.Debug("ignoring mDNS entry", "instance", e.Instance)
		}
	}
}

// serviceFromEntry picks an address for a browse result, preferring IPv4.
// Link-local IPv6 addresses carry no zone here and are skipped.
func serviceFromEntry(e *zeroconf.ServiceEntry) *Service {
	if e == nil || !strings.HasPrefix(e.Instance, InstancePrefix) || e.Port == 0 {
		return nil
	}
	var host string
	if len(e.AddrIPv4) > 0 {
		host = e.AddrIPv4[0].String()
	}
	for _, ip := range e.AddrIPv6 {
		if host != "" {
			break
		}
		if !ip.IsLinkLocalUnicast() {
			host = ip.String()
		}
	}
	if host == "" {
		host = strings.TrimSuffix(e.HostName, ".")
	}
	if host == "" {
		return nil
	}
	return &Service{Instance: e.Instance, Host: host, Port: e.Port}
}

// Disabled neither advertises nor resolves.
type Disabled struct{}

type noAdvertisement struct{}

func (noAdvertisement) Shutdown() {}

// Advertise does nothing.
func (Disabled) Advertise(string, int) (Advertisement, error) { return noAdvertisement{}, nil }

// Resolve always fails.
func (Disabled) Resolve(context.Context) (*Service, error) {
	return nil, fmt.Errorf("%w: discovery disabled", protocol.ErrDiscoveryFailed)
}
