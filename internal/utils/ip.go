package utils

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// AllowList is a set of CIDR subnetworks allowed to call an endpoint.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList parses CIDRs or bare addresses. An empty list allows nothing.
func ParseAllowList(cidrs []string) (*AllowList, error) {
	var errs []error
	l := &AllowList{}
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid address %q: %w", raw, err))
				continue
			}
			l.prefixes = append(l.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid CIDR %q: %w", raw, err))
			continue
		}
		l.prefixes = append(l.prefixes, prefix.Masked())
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return l, nil
}

// Contains reports whether ip falls into one of the allowed subnetworks.
func (l *AllowList) Contains(ip string) bool {
	if l == nil {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (l *AllowList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.prefixes)
}
