// Package pool manages the set of upstream proxies and the currently
// selected one. The list and the current selection are guarded by a single
// mutex; critical sections never perform I/O.
package pool

import (
	"bufio"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Upstream is one upstream proxy endpoint, normalized to
// scheme://[user:pass@]host:port. Upstreams are immutable values; the pool
// replaces them wholesale rather than mutating them.
type Upstream struct {
	u   *url.URL
	key string // full normalized string, including credentials
}

// URL returns the parsed upstream URL.
func (u *Upstream) URL() *url.URL { return u.u }

// Key returns the full normalized string. Two upstreams are equal iff their
// keys are equal; credentials are part of the identity.
func (u *Upstream) Key() string { return u.key }

// Host returns the host:port part.
func (u *Upstream) Host() string { return u.u.Host }

// String returns a display form with the password redacted.
func (u *Upstream) String() string {
	c := *u.u
	if c.User != nil {
		c.User = url.UserPassword(c.User.Username(), "***")
	}
	return c.String()
}

// Accepted line forms: scheme://host:port or bare host:port, each optionally
// carrying user:pass@ before the host. Anything else is silently ignored.
var (
	schemeLine = regexp.MustCompile(`^(?:https?|socks5)://(?:[^:@\s]+:[^@\s]+@)?[\w.-]+:\d+$`)
	bareLine   = regexp.MustCompile(`^(?:[^:@\s]+:[^@\s]+@)?[\w.-]+:\d+$`)
)

// Parse normalizes a single proxy line into an Upstream. Bare host:port
// defaults to the http scheme.
func Parse(raw string) (*Upstream, error) {
	raw = strings.TrimSpace(raw)
	if !schemeLine.MatchString(raw) && !bareLine.MatchString(raw) {
		return nil, fmt.Errorf("unrecognized proxy format %q", raw)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return &Upstream{u: u, key: u.String()}, nil
}

// Pool holds the ordered upstream list and the current selection.
type Pool struct {
	mu      sync.Mutex
	list    []*Upstream
	current *Upstream
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{}
}

// LoadFile reads a line-oriented proxy list file and atomically installs its
// contents. Empty lines and '#' comments are skipped; lines that don't match
// an accepted form are silently ignored. A missing file is created with a
// commented example and counts as zero upstreams.
func (p *Pool) LoadFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := writeExampleFile(path); werr != nil {
				return 0, fmt.Errorf("create example proxy file: %w", werr)
			}
			p.Replace(nil)
			return 0, nil
		}
		return 0, fmt.Errorf("open proxy file: %w", err)
	}
	defer f.Close()

	var ups []*Upstream
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		up, err := Parse(line)
		if err != nil {
			continue
		}
		ups = append(ups, up)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("read proxy file: %w", err)
	}

	p.Replace(ups)
	return p.Len(), nil
}

// Replace atomically installs a deduplicated copy of list. The current
// selection survives when it is still a member of the new list; otherwise a
// fresh one is chosen at random (nil when the new list is empty).
func (p *Pool) Replace(list []*Upstream) {
	seen := make(map[string]struct{}, len(list))
	deduped := make([]*Upstream, 0, len(list))
	for _, up := range list {
		if _, ok := seen[up.key]; ok {
			continue
		}
		seen[up.key] = struct{}{}
		deduped = append(deduped, up)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.list = deduped
	if len(deduped) == 0 {
		p.current = nil
		return
	}
	if p.current != nil {
		// Re-point at the instance from the new list so the (list, current)
		// pair stays internally consistent.
		for _, up := range deduped {
			if up.key == p.current.key {
				p.current = up
				return
			}
		}
	}
	p.current = deduped[rand.Intn(len(deduped))]
}

// ReseedCurrent picks a new current upstream uniformly at random. Sampling is
// with replacement: the previous selection may stand. No-op on an empty pool.
func (p *Pool) ReseedCurrent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.list) == 0 {
		return
	}
	p.current = p.list[rand.Intn(len(p.list))]
}

// Current returns the current upstream, or nil when the pool is empty.
func (p *Pool) Current() *Upstream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Len returns the number of upstreams in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.list)
}

// Snapshot returns a copy of the upstream list.
func (p *Pool) Snapshot() []*Upstream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Upstream, len(p.list))
	copy(out, p.list)
	return out
}

// writeExampleFile creates a comment-only starter proxy list.
func writeExampleFile(path string) error {
	example := strings.Join([]string{
		"# Format: host:port or http://host:port (user:pass@ accepted)",
		"# This file is reloaded automatically on every refresh cycle,",
		"# so you can edit it while the proxy is running.",
		"",
		"# Examples (public proxies, may not work):",
		"# 8.8.8.8:8080",
		"# 1.1.1.1:3128",
		"# http://proxy.example.com:8080",
		"",
		"# Add your proxies below, one per line",
		"",
	}, "\n")
	return os.WriteFile(path, []byte(example), 0o644)
}
