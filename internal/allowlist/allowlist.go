// Package allowlist implements the IPv4 CIDR gate that the server checks
// before admitting a connection. Entries are parsed once at startup; the
// gate itself is a pure, lock-free check over a fixed slice.
package allowlist

import (
	"fmt"
	"net"
	"strings"

	"github.com/shadertools/shadercompiled/internal/logging"
)

const component = "allowlist"

// Entry is one parsed CIDR rule: net/mask applied against a candidate
// address with a plain AND-and-compare.
type Entry struct {
	network net.IP
	mask    net.IPMask
	raw     string
}

// List is an ordered set of CIDR entries. A candidate address is admitted
// if it matches at least one entry.
type List struct {
	entries []Entry
}

// Parse builds a List from CIDR strings (e.g. "10.0.0.0/8") and bare IPv4
// addresses (treated as /32). "self" is resolved to the machine's own
// addresses and always admitted.
func Parse(specs []string) (*List, error) {
	l := &List{}
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.EqualFold(s, "self") {
			selfEntries, err := selfHostEntries()
			if err != nil {
				return nil, fmt.Errorf("allowlist: resolving self: %w", err)
			}
			l.entries = append(l.entries, selfEntries...)
			continue
		}
		e, err := parseEntry(s)
		if err != nil {
			return nil, err
		}
		if e.mask != nil {
			ones, _ := e.mask.Size()
			if ones == 0 {
				logging.WarnOnce(component, "zero-prefix", "entry %q admits every address; this is almost certainly a misconfiguration", s)
			}
		}
		l.entries = append(l.entries, e)
	}
	return l, nil
}

func parseEntry(s string) (Entry, error) {
	if !strings.Contains(s, "/") {
		s = s + "/32"
	}
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		return Entry{}, fmt.Errorf("allowlist: invalid entry %q: %w", s, err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return Entry{}, fmt.Errorf("allowlist: entry %q is not IPv4", s)
	}
	return Entry{network: ip4, mask: ipnet.Mask, raw: s}, nil
}

func selfHostEntries() ([]Entry, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipnet.IP.To4()
		if ip4 == nil {
			continue
		}
		entries = append(entries, Entry{network: ip4, mask: net.CIDRMask(32, 32), raw: ip4.String() + "/32"})
	}
	return entries, nil
}

// Allowed reports whether ip matches any entry in the list. An empty list
// denies everything: an operator must opt in explicitly.
func (l *List) Allowed(ip net.IP) bool {
	ip4 := ip.To4()
	if ip4 == nil {
		return false
	}
	for _, e := range l.entries {
		if matches(ip4, e) {
			return true
		}
	}
	return false
}

func matches(ip4 net.IP, e Entry) bool {
	if len(ip4) != len(e.network) || len(e.mask) != len(ip4) {
		return false
	}
	for i := range ip4 {
		if ip4[i]&e.mask[i] != e.network[i]&e.mask[i] {
			return false
		}
	}
	return true
}

// Len reports the number of parsed entries, including expanded "self"
// addresses.
func (l *List) Len() int {
	return len(l.entries)
}
