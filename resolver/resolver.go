// Package resolver turns "host:port" strings into bindable TCP addresses.
// A host may resolve to several addresses (dual-stack, multi-homed); the
// server binds every one of them. Results are cached with a TTL, and
// concurrent lookups for the same string are collapsed to a single DNS
// query with singleflight.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long resolved addresses stay cached.
const DefaultTTL = time.Minute

// Resolver resolves and caches listen/dial addresses. Safe for concurrent
// use.
type Resolver struct {
	cache *cache.Cache
	group singleflight.Group
}

// New creates a resolver whose results live for ttl.
//
// Parameters:
//   - ttl: Cache lifetime for resolved addresses; <= 0 selects DefaultTTL
//
// Returns:
//   - A new *Resolver
func New(ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Resolver{
		cache: cache.New(ttl, 2*ttl),
	}
}

// Resolve expands a "host:port" string into one TCP address per resolved IP.
// An empty host yields a single wildcard address. Concurrent calls for the
// same string share one lookup.
//
// Parameters:
//   - ctx: Controls cancellation of the DNS query
//   - hostport: The address string, e.g. "localhost:9000" or ":9000"
//
// Returns:
//   - The resolved addresses, or an error if the string is malformed or the
//     host does not resolve
func (r *Resolver) Resolve(ctx context.Context, hostport string) ([]*net.TCPAddr, error) {
	if cached, found := r.cache.Get(hostport); found {
		if addrs, ok := cached.([]*net.TCPAddr); ok {
			return addrs, nil
		}
	}

	val, err, _ := r.group.Do(hostport, func() (any, error) {
		if cached, found := r.cache.Get(hostport); found {
			if addrs, ok := cached.([]*net.TCPAddr); ok {
				return addrs, nil
			}
		}

		addrs, err := resolve(ctx, hostport)
		if err != nil {
			return nil, err
		}
		r.cache.Set(hostport, addrs, cache.DefaultExpiration)
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]*net.TCPAddr), nil
}

// resolve performs the actual blocking resolution.
func resolve(ctx context.Context, hostport string) ([]*net.TCPAddr, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid address %q: %w", hostport, err)
	}

	port, err := net.DefaultResolver.LookupPort(ctx, "tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("resolver: invalid port %q: %w", portStr, err)
	}

	if host == "" {
		return []*net.TCPAddr{{Port: port}}, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return []*net.TCPAddr{{IP: ip, Port: port}}, nil
	}

	ipAddrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolver: resolve %q: %w", host, err)
	}

	addrs := make([]*net.TCPAddr, 0, len(ipAddrs))
	for _, ia := range ipAddrs {
		addrs = append(addrs, &net.TCPAddr{IP: ia.IP, Zone: ia.Zone, Port: port})
	}
	return addrs, nil
}
