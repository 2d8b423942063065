package deploy

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakeResolver answers not-found until the device "appears".
type fakeResolver struct {
	failures int
	addrs    []string
	calls    int
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.calls++
	if r.calls <= r.failures {
		return nil, &net.DNSError{Name: host, IsNotFound: true}
	}
	return r.addrs, nil
}

func TestDiscovererWait(t *testing.T) {
	t.Parallel()

	d := NewDiscoverer("bee-observer")
	d.Interval = time.Millisecond
	d.res = &fakeResolver{failures: 3, addrs: []string{"192.168.178.143"}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addr, err := d.Wait(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if addr != "192.168.178.143" {
		t.Errorf(`addr = %q, want "192.168.178.143"`, addr)
	}
}

func TestDiscovererDefaultHostname(t *testing.T) {
	t.Parallel()

	d := NewDiscoverer("")
	if d.Hostname != DefaultHostname {
		t.Errorf(`d.Hostname = %q, want %q`, d.Hostname, DefaultHostname)
	}
}

func TestDiscovererCancel(t *testing.T) {
	t.Parallel()

	d := NewDiscoverer("never-appears")
	d.Interval = time.Millisecond
	d.res = &fakeResolver{failures: 1 << 30}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := d.Wait(ctx); err == nil {
		t.Error(`Wait should fail when the context expires`)
	}
}

func TestDiscovererResolverFailure(t *testing.T) {
	t.Parallel()

	d := NewDiscoverer("broken")
	d.Interval = time.Millisecond
	d.res = &brokenResolver{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := d.Wait(ctx); err == nil {
		t.Error(`a non-DNS resolver failure should abort the wait`)
	}
}

type brokenResolver struct{}

func (brokenResolver) LookupHost(context.Context, string) ([]string, error) {
	return nil, context.DeadlineExceeded
}

func TestDNSNotFound(t *testing.T) {
	t.Parallel()

	if !dnsNotFound(&net.DNSError{IsNotFound: true}) {
		t.Error(`not-found DNS answers should be retried`)
	}
	if !dnsNotFound(&net.DNSError{IsTemporary: true}) {
		t.Error(`temporary DNS failures should be retried`)
	}
	if dnsNotFound(&net.DNSError{}) {
		t.Error(`hard DNS failures should not be retried`)
	}
	if dnsNotFound(context.Canceled) {
		t.Error(`non-DNS errors should not be retried`)
	}
}
