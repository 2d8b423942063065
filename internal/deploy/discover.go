package deploy

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

const (
	// DefaultHostname is the mDNS/DHCP name an ESP32 board announces
	// before it is given a proper one.
	DefaultHostname = "espressif"

	discoverInterval = time.Second
)

// resolver allows tests to substitute DNS lookups.
type resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Discoverer waits for a device hostname to appear on the local network.
type Discoverer struct {
	Hostname string
	Interval time.Duration

	res resolver
}

// NewDiscoverer creates a Discoverer for the hostname. An empty
// hostname falls back to DefaultHostname.
func NewDiscoverer(hostname string) *Discoverer {
	if hostname == "" {
		hostname = DefaultHostname
	}
	return &Discoverer{
		Hostname: hostname,
		Interval: discoverInterval,
		res:      net.DefaultResolver,
	}
}

// Wait polls until the hostname resolves and returns its first address.
func (d *Discoverer) Wait(ctx context.Context) (string, error) {
	slog.Info("waiting for hostname to appear on the local network", "hostname", d.Hostname)

	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		addrs, err := d.res.LookupHost(ctx, d.Hostname)
		if err == nil && len(addrs) > 0 {
			slog.Info("hostname found", "hostname", d.Hostname, "address", addrs[0])
			return addrs[0], nil
		}
		if err != nil && !dnsNotFound(err) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForever keeps reporting the address every time the hostname
// (re)appears, until the context is cancelled.
func (d *Discoverer) WaitForever(ctx context.Context, found func(addr string)) error {
	for {
		addr, err := d.Wait(ctx)
		if err != nil {
			return err
		}
		found(addr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.Interval):
		}
	}
}

// dnsNotFound reports whether err is a not-found DNS answer, as
// opposed to a broken resolver.
func dnsNotFound(err error) bool {
	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return false
	}
	return dnsErr.IsNotFound || dnsErr.IsTemporary
}
