package client

import "sync"

// addrPicker round-robins across a set of candidate server addresses,
// advancing past one that just failed so a single flaky endpoint doesn't
// get retried back-to-back.
type addrPicker struct {
	mu    sync.Mutex
	addrs []string
	next  int
}

func newAddrPicker(addrs []string) *addrPicker {
	cp := make([]string, len(addrs))
	copy(cp, addrs)
	return &addrPicker{addrs: cp}
}

// Pick returns the next candidate to try. Panics if constructed with no
// addresses, which is a Config-kind error the caller validates at startup.
func (p *addrPicker) Pick() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := p.addrs[p.next%len(p.addrs)]
	p.next++
	return addr
}
