package crawler

import "sync"

// hostLimiter caps how many distinct hosts are accepted per root domain.
// A zero limit accepts everything.
type hostLimiter struct {
	maxPerRoot int

	mu    sync.Mutex
	hosts map[string]map[string]struct{} // root domain -> hosts
}

func newHostLimiter(maxPerRoot int) *hostLimiter {
	return &hostLimiter{
		maxPerRoot: maxPerRoot,
		hosts:      make(map[string]map[string]struct{}),
	}
}

// allow registers host and reports whether it fits under its root's limit.
// Hosts already registered are always allowed.
func (l *hostLimiter) allow(host string) bool {
	if l == nil || l.maxPerRoot <= 0 {
		return true
	}
	root := ExtractRootDomain(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.hosts[root]
	if !ok {
		set = make(map[string]struct{})
		l.hosts[root] = set
	}
	if _, known := set[host]; known {
		return true
	}
	if len(set) >= l.maxPerRoot {
		return false
	}
	set[host] = struct{}{}
	return true
}

// count returns the number of hosts registered under root
func (l *hostLimiter) count(root string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts[root])
}
