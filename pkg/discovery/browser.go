package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/tether-io/tether-go/pkg/transport"
)

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// BrowseTimeout bounds Resolve when the context has no deadline.
	// Default: 10 seconds.
	BrowseTimeout time.Duration

	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// Logger receives entries that could not be decoded. Nil discards.
	Logger *slog.Logger
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		BrowseTimeout: BrowseTimeout,
	}
}

// browseFunc streams raw entries until ctx ends. Both channels are owned
// by the caller.
type browseFunc func(ctx context.Context, entries, removed chan<- ServiceEntry) error

// Resolver browses for tether endpoints.
type Resolver struct {
	config BrowserConfig
	browse browseFunc
}

// NewResolver creates a resolver backed by mDNS.
func NewResolver(config BrowserConfig) *Resolver {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	r := &Resolver{config: config}
	r.browse = r.browseMDNS
	return r
}

// Browse reports services as they appear. Services are aggregated by
// instance name: addresses from several interfaces are merged and a
// service is emitted again only when its address set grows. The channel
// is closed when ctx ends.
func (r *Resolver) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service)
	entries := make(chan ServiceEntry)
	removed := make(chan ServiceEntry)

	go func() {
		defer close(out)

		services := make(map[string]*Service)
		for {
			select {
			case entry := <-entries:
				svc, err := entry.ToService()
				if err != nil {
					r.logSkipped(entry, err)
					continue
				}
				if existing, found := services[svc.Instance]; found {
					merged := mergeAddresses(existing.Addresses, svc.Addresses)
					if len(merged) == len(existing.Addresses) {
						continue
					}
					existing.Addresses = merged
					svc = existing
				} else {
					services[svc.Instance] = svc
				}
				snapshot := *svc
				snapshot.Addresses = append([]string(nil), svc.Addresses...)
				select {
				case out <- &snapshot:
				case <-ctx.Done():
					return
				}

			case entry := <-removed:
				if existing, found := services[entry.Instance]; found {
					if len(entry.Addrs) == 0 {
						delete(services, entry.Instance)
						continue
					}
					existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		if err := r.browse(ctx, entries, removed); err != nil && r.config.Logger != nil {
			r.config.Logger.Warn("mdns browse failed", slog.Any("error", err))
		}
	}()

	return out, nil
}

// Resolve returns the endpoint of the named instance, or of the first
// service found when instance is empty.
func (r *Resolver) Resolve(ctx context.Context, instance string) (transport.Endpoint, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := r.Browse(ctx)
	if err != nil {
		return transport.Endpoint{}, err
	}
	for svc := range services {
		if instance != "" && svc.Instance != instance {
			continue
		}
		return svc.Endpoint()
	}

	if instance == "" {
		return transport.Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, ServiceType)
	}
	return transport.Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, instance)
}

func (r *Resolver) logSkipped(entry ServiceEntry, err error) {
	if r.config.Logger == nil {
		return
	}
	r.config.Logger.Debug("skipping mdns entry",
		slog.String("instance", entry.Instance),
		slog.Any("error", err),
	)
}

// browseMDNS adapts zeroconf results to ServiceEntry values.
func (r *Resolver) browseMDNS(ctx context.Context, entries, removed chan<- ServiceEntry) error {
	zEntries := make(chan *zeroconf.ServiceEntry)
	zRemoved := make(chan *zeroconf.ServiceEntry)

	go func() {
		for {
			select {
			case e, ok := <-zEntries:
				if !ok {
					return
				}
				select {
				case entries <- fromZeroconf(e):
				case <-ctx.Done():
					return
				}
			case e, ok := <-zRemoved:
				if !ok {
					zRemoved = nil
					continue
				}
				select {
				case removed <- fromZeroconf(e):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return zeroconf.Browse(ctx, ServiceType, Domain, zEntries, zRemoved, r.browserOptions()...)
}

// browserOptions returns zeroconf client options based on config.
func (r *Resolver) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if r.config.Interface != "" {
		iface, err := net.InterfaceByName(r.config.Interface)
		if err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

func fromZeroconf(e *zeroconf.ServiceEntry) ServiceEntry {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return ServiceEntry{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     uint16(e.Port),
		Text:     e.Text,
		Addrs:    addrs,
	}
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, added []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range added {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses drops the given addresses from the list.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
