// Package catalog implements the device catalog: a read-through cache
// mapping hostname (and alias) to device record, backed by a pluggable
// Backend (the real inventory system) and cached in Redis so repeated
// lookups across process restarts don't all miss through to the backend at
// once.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
	"github.com/gridrunner/cmdrunner/pkg/util"
	"github.com/gridrunner/cmdrunner/pkg/vendorreg"
)

// IPCandidate is one of a device's candidate addresses.
type IPCandidate struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	IsMgmt  bool   `json:"is_mgmt"`
}

// Device is one device-catalog entry.
type Device struct {
	Hostname  string        `json:"hostname"`
	Alias     string        `json:"alias,omitempty"`
	IPs       []IPCandidate `json:"ips"`
	DefaultIP string        `json:"default_ip"`
	VendorName string       `json:"vendor"`
	Role      string        `json:"role,omitempty"`
	Model     string        `json:"model,omitempty"`

	// Vendor is resolved from VendorName against the catalog's vendor
	// registry whenever a Device crosses the package boundary (Get,
	// refresh); it is never itself serialized.
	Vendor *vendorreg.Vendor `json:"-"`
}

// Backend is the external inventory source the catalog fronts.
type Backend interface {
	FetchOne(ctx context.Context, hostname string) (*Device, error)
	FetchAll(ctx context.Context, nameFilter *regexp.Regexp) ([]*Device, error)
}

// PingChecker reports advisory reachability for an IP. The zero value
// (nil) behaves as "always pingable".
type PingChecker func(ip string) bool

// Catalog is the process-wide device catalog.
type Catalog struct {
	backend Backend
	vendors *vendorreg.Registry
	pinger  PingChecker

	redis    *redis.Client
	cacheTTL time.Duration

	// fetchSem bounds concurrent blocking backend calls; nil means
	// unbounded.
	fetchSem chan struct{}

	mu      sync.RWMutex
	byHost  map[string]*Device
	byAlias map[string]*Device

	ready     chan struct{}
	readyOnce sync.Once
}

// Options configures a new Catalog.
type Options struct {
	Backend  Backend
	Vendors  *vendorreg.Registry
	Pinger   PingChecker   // nil = always pingable
	Redis    *redis.Client // nil = no cache tier, in-process index only
	CacheTTL time.Duration

	// MaxConcurrentFetches bounds how many backend calls may block at
	// once (0 = unbounded).
	MaxConcurrentFetches int
}

// New creates a Catalog. The in-process index starts empty; callers should
// call WaitForData after starting the refresh loop, or rely on Get's
// autofetch for on-demand population.
func New(opts Options) *Catalog {
	c := &Catalog{
		backend:  opts.Backend,
		vendors:  opts.Vendors,
		pinger:   opts.Pinger,
		redis:    opts.Redis,
		cacheTTL: opts.CacheTTL,
		byHost:   make(map[string]*Device),
		byAlias:  make(map[string]*Device),
		ready:    make(chan struct{}),
	}
	if opts.MaxConcurrentFetches > 0 {
		c.fetchSem = make(chan struct{}, opts.MaxConcurrentFetches)
	}
	return c
}

// acquireFetchSlot blocks until a backend-call slot is free or ctx is done.
func (c *Catalog) acquireFetchSlot(ctx context.Context) error {
	if c.fetchSem == nil {
		return nil
	}
	select {
	case c.fetchSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Catalog) releaseFetchSlot() {
	if c.fetchSem != nil {
		<-c.fetchSem
	}
}

// IsPingable reports advisory reachability for ip, defaulting to true.
func (c *Catalog) IsPingable(ip string) bool {
	if c.pinger == nil {
		return true
	}
	return c.pinger(ip)
}

func (c *Catalog) lookupLocal(name string) (*Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.byHost[name]; ok {
		return d, true
	}
	if d, ok := c.byAlias[name]; ok {
		return d, true
	}
	return nil, false
}

func (c *Catalog) resolveVendor(d *Device) {
	if c.vendors != nil && d.VendorName != "" {
		d.Vendor = c.vendors.Get(d.VendorName)
	}
}

func (c *Catalog) index(d *Device) {
	c.resolveVendor(d)
	c.mu.Lock()
	c.byHost[d.Hostname] = d
	if d.Alias != "" {
		c.byAlias[d.Alias] = d
	}
	c.mu.Unlock()
}

func (c *Catalog) cacheKey(hostname string) string {
	return "cmdrunner:device:" + hostname
}

func (c *Catalog) readThroughRedis(ctx context.Context, name string) (*Device, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, c.cacheKey(name)).Bytes()
	if err != nil {
		return nil, false
	}
	var d Device
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, false
	}
	return &d, true
}

func (c *Catalog) writeThroughRedis(ctx context.Context, d *Device) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.cacheKey(d.Hostname), data, c.cacheTTL).Err(); err != nil {
		util.WithDevice(d.Hostname).Warnf("catalog: redis write-through failed: %v", err)
	}
}

// Get resolves hostnameOrAlias to a Device. On a cache miss, if autofetch
// is true it performs a single-device backend fetch and indexes the result;
// otherwise (or if the backend fetch also fails) it fails with a Lookup
// error.
func (c *Catalog) Get(ctx context.Context, hostnameOrAlias string, autofetch bool) (*Device, error) {
	if d, ok := c.lookupLocal(hostnameOrAlias); ok {
		return d, nil
	}

	if d, ok := c.readThroughRedis(ctx, hostnameOrAlias); ok {
		c.index(d)
		return d, nil
	}

	if !autofetch || c.backend == nil {
		return nil, cmderrors.New(cmderrors.Lookup, "Device not found: %s", hostnameOrAlias)
	}

	if err := c.acquireFetchSlot(ctx); err != nil {
		return nil, cmderrors.New(cmderrors.Lookup, "Device not found: %s: %v", hostnameOrAlias, err)
	}
	d, err := c.backend.FetchOne(ctx, hostnameOrAlias)
	c.releaseFetchSlot()
	if err != nil || d == nil {
		return nil, cmderrors.New(cmderrors.Lookup, "Device not found: %s", hostnameOrAlias)
	}

	c.index(d)
	c.writeThroughRedis(ctx, d)
	return d, nil
}

// WaitForData blocks until the first successful periodic refresh completes,
// or ctx is done.
func (c *Catalog) WaitForData(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markReady closes the ready channel exactly once.
func (c *Catalog) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// RefreshOnce performs a single full-catalog fetch from the backend,
// filtered by nameFilter (nil = no filtering), and atomically replaces the
// in-process index. On failure the existing index is left untouched and
// the error is returned for the caller to log.
func (c *Catalog) RefreshOnce(ctx context.Context, nameFilter *regexp.Regexp) error {
	if c.backend == nil {
		return fmt.Errorf("catalog: no backend configured")
	}

	if err := c.acquireFetchSlot(ctx); err != nil {
		return fmt.Errorf("catalog: full refresh canceled: %w", err)
	}
	devices, err := c.backend.FetchAll(ctx, nameFilter)
	c.releaseFetchSlot()
	if err != nil {
		return fmt.Errorf("catalog: full refresh failed: %w", err)
	}

	byHost := make(map[string]*Device, len(devices))
	byAlias := make(map[string]*Device, len(devices))
	for _, d := range devices {
		c.resolveVendor(d)
		byHost[d.Hostname] = d
		if d.Alias != "" {
			byAlias[d.Alias] = d
		}
		c.writeThroughRedis(ctx, d)
	}

	c.mu.Lock()
	c.byHost = byHost
	c.byAlias = byAlias
	c.mu.Unlock()

	c.markReady()
	return nil
}

// RunPeriodicRefresh runs RefreshOnce every interval until ctx is
// canceled. A failed refresh is logged and the previous snapshot is kept.
func (c *Catalog) RunPeriodicRefresh(ctx context.Context, interval time.Duration, nameFilter *regexp.Regexp) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.RefreshOnce(ctx, nameFilter); err != nil {
		util.Errorf("catalog: initial refresh failed: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.RefreshOnce(ctx, nameFilter); err != nil {
				util.Errorf("catalog: periodic refresh failed: %v", err)
			}
		}
	}
}

// Count returns the number of distinct devices currently indexed by hostname.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byHost)
}
