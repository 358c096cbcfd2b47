// Package filebackend implements a catalog.Backend reading a flat JSON
// device list from disk. It stands in for a real inventory system in
// single-host deployments and tests; a missing file is an empty catalog,
// not an error.
package filebackend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"

	"github.com/gridrunner/cmdrunner/pkg/catalog"
)

// deviceFile mirrors the on-disk shape: a JSON object whose "devices" field
// is the flat array of device records.
type deviceFile struct {
	Devices []*catalog.Device `json:"devices"`
}

// Backend is a catalog.Backend backed by a JSON file, reloaded from disk on
// every FetchAll so an operator can edit the file and pick up changes on the
// catalog's next periodic refresh without restarting the process.
type Backend struct {
	mu   sync.RWMutex
	path string
}

// New creates a Backend reading device records from path.
func New(path string) *Backend {
	return &Backend{path: path}
}

func (b *Backend) load() ([]*catalog.Device, error) {
	b.mu.RLock()
	path := b.path
	b.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading device file %s: %w", path, err)
	}

	var file deviceFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing device file %s: %w", path, err)
	}
	return file.Devices, nil
}

// FetchOne implements catalog.Backend: a single-device lookup by hostname or
// alias against the full file contents.
func (b *Backend) FetchOne(ctx context.Context, hostname string) (*catalog.Device, error) {
	devices, err := b.load()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Hostname == hostname || d.Alias == hostname {
			return d, nil
		}
	}
	return nil, fmt.Errorf("device %s not found in %s", hostname, b.path)
}

// FetchAll implements catalog.Backend: every device in the file whose
// hostname matches nameFilter (nil = no filtering).
func (b *Backend) FetchAll(ctx context.Context, nameFilter *regexp.Regexp) ([]*catalog.Device, error) {
	devices, err := b.load()
	if err != nil {
		return nil, err
	}
	if nameFilter == nil {
		return devices, nil
	}
	out := make([]*catalog.Device, 0, len(devices))
	for _, d := range devices {
		if nameFilter.MatchString(d.Hostname) {
			out = append(out, d)
		}
	}
	return out, nil
}
