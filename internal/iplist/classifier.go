package iplist

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Decision is the classifier output.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionDeny    Decision = "deny"
	DecisionPattern Decision = "pattern"
)

// Kind enumerates supported entry notations.
type Kind string

const (
	KindExact    Kind = "exact"
	KindWildcard Kind = "wildcard"
	KindCIDR     Kind = "cidr"
	KindRange    Kind = "range"
)

// Entry is one whitelist/blacklist/pattern row.
type Entry struct {
	Pattern   string
	Kind      Kind
	Priority  int
	Active    bool
	ExpiresAt time.Time // zero means no expiry

	re      *regexp.Regexp
	network uint32
	mask    uint32
	lo, hi  uint32
}

// Result carries the decision and, for pattern hits, the matched entry.
// Whitelisted distinguishes an explicit whitelist hit from the default
// allow; only the former exempts the client from further inspection.
type Result struct {
	Decision    Decision
	Entry       *Entry
	Whitelisted bool
}

// DegradedFunc is invoked when the classifier hits an internal error and
// applies its fail-open/fail-closed policy.
type DegradedFunc func(reason string, err error)

// Classifier resolves an IP against whitelist, blacklist and the ordered
// pattern table.
type Classifier struct {
	mu        sync.RWMutex
	whitelist map[string]struct{}
	blacklist map[string]struct{}
	patterns  []*Entry

	failOpen bool
	logger   *zap.Logger
	degraded DegradedFunc
}

// Options configure classifier construction.
type Options struct {
	Whitelist []string
	Blacklist []string
	Patterns  []Entry
	// FailOpen selects the policy on internal errors: true treats the IP
	// as allowed (availability over lockout), false denies.
	FailOpen bool
	Logger   *zap.Logger
	Degraded DegradedFunc
}

// New validates and compiles all entries up front. A malformed pattern
// fails construction; a broken table must never serve traffic.
func New(opts Options) (*Classifier, error) {
	c := &Classifier{
		whitelist: make(map[string]struct{}, len(opts.Whitelist)),
		blacklist: make(map[string]struct{}, len(opts.Blacklist)),
		failOpen:  opts.FailOpen,
		logger:    opts.Logger,
		degraded:  opts.Degraded,
	}
	for _, ip := range opts.Whitelist {
		c.whitelist[strings.TrimSpace(ip)] = struct{}{}
	}
	for _, ip := range opts.Blacklist {
		c.blacklist[strings.TrimSpace(ip)] = struct{}{}
	}
	for i := range opts.Patterns {
		e := opts.Patterns[i]
		if err := compileEntry(&e); err != nil {
			return nil, err
		}
		c.patterns = append(c.patterns, &e)
	}
	sort.SliceStable(c.patterns, func(i, j int) bool {
		return c.patterns[i].Priority > c.patterns[j].Priority
	})
	return c, nil
}

// SetTables replaces the whitelist, blacklist and pattern table in one
// swap. All entries compile before anything is replaced, so a malformed
// update leaves the running tables untouched.
func (c *Classifier) SetTables(whitelist, blacklist []string, patterns []Entry) error {
	compiled := make([]*Entry, 0, len(patterns))
	for i := range patterns {
		e := patterns[i]
		if err := compileEntry(&e); err != nil {
			return err
		}
		compiled = append(compiled, &e)
	}
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	white := make(map[string]struct{}, len(whitelist))
	for _, ip := range whitelist {
		white[strings.TrimSpace(ip)] = struct{}{}
	}
	black := make(map[string]struct{}, len(blacklist))
	for _, ip := range blacklist {
		black[strings.TrimSpace(ip)] = struct{}{}
	}

	c.mu.Lock()
	c.whitelist = white
	c.blacklist = black
	c.patterns = compiled
	c.mu.Unlock()
	return nil
}

// Classify resolves an IP. Whitelist short-circuits every other check;
// a confirmed blacklist hit is never overridden.
func (c *Classifier) Classify(ip string) Result {
	ip = strings.TrimSpace(ip)

	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.whitelist[ip]; ok {
		return Result{Decision: DecisionAllow, Whitelisted: true}
	}
	if _, ok := c.blacklist[ip]; ok {
		return Result{Decision: DecisionDeny}
	}

	addr, err := parseIPv4(ip)
	if err != nil {
		return c.degrade("malformed candidate ip", err)
	}

	now := time.Now()
	for _, e := range c.patterns {
		if !e.Active {
			continue
		}
		if !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			continue
		}
		if e.matches(ip, addr) {
			return Result{Decision: DecisionPattern, Entry: e}
		}
	}
	return Result{Decision: DecisionAllow}
}

func (c *Classifier) degrade(reason string, err error) Result {
	if c.logger != nil {
		c.logger.Warn("ip classifier degraded",
			zap.String("reason", reason),
			zap.Bool("fail_open", c.failOpen),
			zap.Error(err))
	}
	if c.degraded != nil {
		c.degraded(reason, err)
	}
	if c.failOpen {
		return Result{Decision: DecisionAllow}
	}
	return Result{Decision: DecisionDeny}
}

func (e *Entry) matches(ip string, addr uint32) bool {
	switch e.Kind {
	case KindExact:
		return ip == e.Pattern
	case KindWildcard:
		return e.re.MatchString(ip)
	case KindCIDR:
		return addr&e.mask == e.network
	case KindRange:
		return addr >= e.lo && addr <= e.hi
	}
	return false
}

func compileEntry(e *Entry) error {
	switch e.Kind {
	case KindExact:
		if _, err := parseIPv4(e.Pattern); err != nil {
			return fmt.Errorf("iplist: exact entry %q: %w", e.Pattern, err)
		}
	case KindWildcard:
		// Each * stands for a full dotted octet.
		escaped := regexp.QuoteMeta(e.Pattern)
		escaped = strings.ReplaceAll(escaped, `\*`, `\d+`)
		re, err := regexp.Compile("^" + escaped + "$")
		if err != nil {
			return fmt.Errorf("iplist: wildcard entry %q: %w", e.Pattern, err)
		}
		e.re = re
	case KindCIDR:
		base, prefix, ok := strings.Cut(e.Pattern, "/")
		if !ok {
			return fmt.Errorf("iplist: cidr entry %q: missing prefix length", e.Pattern)
		}
		bits, err := strconv.Atoi(prefix)
		if err != nil || bits < 0 || bits > 32 {
			return fmt.Errorf("iplist: cidr entry %q: bad prefix length", e.Pattern)
		}
		addr, err := parseIPv4(base)
		if err != nil {
			return fmt.Errorf("iplist: cidr entry %q: %w", e.Pattern, err)
		}
		var mask uint32
		if bits > 0 {
			mask = ^uint32(0) << (32 - bits)
		}
		e.mask = mask
		e.network = addr & mask
	case KindRange:
		loStr, hiStr, ok := strings.Cut(e.Pattern, "-")
		if !ok {
			return fmt.Errorf("iplist: range entry %q: missing bound", e.Pattern)
		}
		lo, err := parseIPv4(strings.TrimSpace(loStr))
		if err != nil {
			return fmt.Errorf("iplist: range entry %q: %w", e.Pattern, err)
		}
		hi, err := parseIPv4(strings.TrimSpace(hiStr))
		if err != nil {
			return fmt.Errorf("iplist: range entry %q: %w", e.Pattern, err)
		}
		if lo > hi {
			return fmt.Errorf("iplist: range entry %q: bounds reversed", e.Pattern)
		}
		e.lo, e.hi = lo, hi
	default:
		return fmt.Errorf("iplist: entry %q: unknown kind %q", e.Pattern, e.Kind)
	}
	return nil
}

// parseIPv4 converts a dotted quad to its 32-bit integer form.
func parseIPv4(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("iplist: %q is not a dotted quad", s)
	}
	var out uint32
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("iplist: %q is not a dotted quad", s)
		}
		out = out<<8 | uint32(n)
	}
	return out, nil
}
