package session

import (
	"github.com/gridrunner/cmdrunner/pkg/catalog"
	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
)

// Candidate is one address offered to a connect attempt, in the order it
// should be tried.
type Candidate struct {
	Address  string
	Pingable bool
}

// SelectIPs resolves the ordered candidate address list for a connect
// attempt from the request options and the device record: an explicit
// address wins outright, a mgmt_ip request filters to management
// addresses, and everything else is partitioned pingable-first.
func SelectIPs(opts Options, d *catalog.Device, isPingable func(ip string) bool) ([]Candidate, error) {
	if opts.ExplicitAddress != "" {
		return []Candidate{{Address: opts.ExplicitAddress, Pingable: isPingable(opts.ExplicitAddress)}}, nil
	}

	var pool []catalog.IPCandidate
	if opts.MgmtIP {
		for _, c := range d.IPs {
			if c.IsMgmt {
				pool = append(pool, c)
			}
		}
		if len(pool) == 0 {
			return nil, cmderrors.New(cmderrors.Lookup, "no management address for %s", d.Hostname)
		}
	} else {
		pool = d.IPs
	}

	seen := make(map[string]bool, len(pool))
	var pingableFirst, nonPingable []Candidate
	for _, c := range pool {
		if seen[c.Address] {
			continue
		}
		seen[c.Address] = true
		cand := Candidate{Address: c.Address, Pingable: isPingable(c.Address)}
		if cand.Pingable {
			pingableFirst = append(pingableFirst, cand)
		} else {
			nonPingable = append(nonPingable, cand)
		}
	}

	// Pull the device's default address to the front of the non-pingable
	// partition; it is the canonical fallback. The rest keep input order.
	if d.DefaultIP != "" {
		for i, c := range nonPingable {
			if c.Address == d.DefaultIP && i != 0 {
				copy(nonPingable[1:i+1], nonPingable[:i])
				nonPingable[0] = c
				break
			}
		}
	}

	out := make([]Candidate, 0, len(pingableFirst)+len(nonPingable))
	out = append(out, pingableFirst...)
	out = append(out, nonPingable...)
	if len(out) == 0 {
		return nil, cmderrors.New(cmderrors.Lookup, "no candidate address for %s", d.Hostname)
	}
	return out, nil
}
