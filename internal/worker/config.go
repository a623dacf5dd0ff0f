package worker

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Strategy string

const (
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
)

// Kind selects one of the two current cache generations.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
)

const (
	defaultCachePrefix    = "shellcache"
	defaultNetworkTimeout = 10 * time.Second
	defaultManifestPath   = "/manifest.json"
	defaultOfflinePath    = "/offline.html"
)

// Config is a worker script: everything a worker version needs to know.
// It is parsed from the YAML document served at the script URL.
type Config struct {
	Version         string       `yaml:"version"`
	CachePrefix     string       `yaml:"cachePrefix"`
	SkipWaiting     bool         `yaml:"skipWaiting"`
	NetworkTimeout  string       `yaml:"networkTimeout"`
	DefaultStrategy Strategy     `yaml:"defaultStrategy"`
	ManifestPath    string       `yaml:"manifestPath"`
	OfflinePath     string       `yaml:"offlinePath"`
	StaticAssets    []string     `yaml:"staticAssets"`
	Routes          []Route      `yaml:"routes"`
	Manifest        *WebManifest `yaml:"manifest"`
	OfflineHTML     string       `yaml:"offlineHTML"`

	// compiled
	compiled       bool
	networkTimeout time.Duration
	fallback       Route
}

// Route maps URL paths to a strategy.
type Route struct {
	Match          string   `yaml:"match"`
	Priority       int      `yaml:"priority"`
	Strategy       Strategy `yaml:"strategy"`
	Cache          Kind     `yaml:"cache"`
	NetworkTimeout string   `yaml:"networkTimeout"`
	MaxEntries     int      `yaml:"maxEntries"`
	MaxAge         string   `yaml:"maxAge"`

	// compiled
	matchers []matcher
	timeout  time.Duration
	maxAge   time.Duration
}

type matcher interface {
	Match(path string) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(path string) bool { return m.re.MatchString(path) }

// ParseConfig parses and compiles a worker script.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("worker config: %w", err)
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile fills defaults and validates. It is safe to call more than once.
func (c *Config) Compile() error {
	if c.compiled {
		return nil
	}
	c.Version = strings.TrimSpace(c.Version)
	if c.Version == "" {
		return fmt.Errorf("worker config: version is required")
	}
	if strings.ContainsAny(c.Version, " \t\n\x00") {
		return fmt.Errorf("worker config: version %q must not contain whitespace", c.Version)
	}
	if c.CachePrefix == "" {
		c.CachePrefix = defaultCachePrefix
	}
	if c.ManifestPath == "" {
		c.ManifestPath = defaultManifestPath
	}
	if c.OfflinePath == "" {
		c.OfflinePath = defaultOfflinePath
	}
	for _, p := range []string{c.ManifestPath, c.OfflinePath} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("worker config: path %q must be absolute", p)
		}
	}
	for i, a := range c.StaticAssets {
		if !strings.HasPrefix(a, "/") {
			return fmt.Errorf("worker config: staticAssets[%d]: path %q must be absolute", i, a)
		}
	}

	c.networkTimeout = defaultNetworkTimeout
	if c.NetworkTimeout != "" {
		d, err := time.ParseDuration(c.NetworkTimeout)
		if err != nil {
			return fmt.Errorf("worker config: networkTimeout: %w", err)
		}
		c.networkTimeout = d
	}

	if c.DefaultStrategy == "" {
		c.DefaultStrategy = StrategyNetworkFirst
	}
	if !validStrategy(c.DefaultStrategy) {
		return fmt.Errorf("worker config: defaultStrategy: unknown strategy %q", c.DefaultStrategy)
	}
	c.fallback = Route{Strategy: c.DefaultStrategy, Cache: defaultKind(c.DefaultStrategy), timeout: c.networkTimeout}

	if c.Manifest != nil && !c.Manifest.valid() {
		return fmt.Errorf("worker config: manifest requires name and icons")
	}

	for i := range c.Routes {
		if err := c.Routes[i].compile(c.networkTimeout); err != nil {
			return fmt.Errorf("worker config: routes[%d].%w", i, err)
		}
	}
	sort.SliceStable(c.Routes, func(i, j int) bool {
		return c.Routes[i].Priority < c.Routes[j].Priority
	})

	c.compiled = true
	return nil
}

func (r *Route) compile(defaultTimeout time.Duration) error {
	ms, err := parseMatch(r.Match)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	r.matchers = ms
	if !validStrategy(r.Strategy) {
		return fmt.Errorf("strategy: unknown strategy %q", r.Strategy)
	}
	switch r.Cache {
	case "":
		r.Cache = defaultKind(r.Strategy)
	case KindStatic, KindDynamic:
	default:
		return fmt.Errorf("cache: must be static or dynamic, got %q", r.Cache)
	}
	r.timeout = defaultTimeout
	if r.NetworkTimeout != "" {
		d, err := time.ParseDuration(r.NetworkTimeout)
		if err != nil {
			return fmt.Errorf("networkTimeout: %w", err)
		}
		r.timeout = d
	}
	if r.MaxAge != "" {
		d, err := time.ParseDuration(r.MaxAge)
		if err != nil {
			return fmt.Errorf("maxAge: %w", err)
		}
		r.maxAge = d
	}
	if r.MaxEntries < 0 {
		return fmt.Errorf("maxEntries: must not be negative")
	}
	return nil
}

func validStrategy(s Strategy) bool {
	return s == StrategyCacheFirst || s == StrategyNetworkFirst
}

func defaultKind(s Strategy) Kind {
	if s == StrategyCacheFirst {
		return KindStatic
	}
	return KindDynamic
}

// parseMatch accepts `PathPrefix(/x)` and `Regexp(expr)` terms joined by "|".
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out []matcher
	for _, p := range splitTerms(expr) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "PathPrefix(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case strings.HasPrefix(p, "Regexp(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "Regexp("), ")"))
			re, err := regexp.Compile(inside)
			if err != nil {
				return nil, fmt.Errorf("invalid regexp %q: %w", inside, err)
			}
			out = append(out, regexpMatcher{re: re})
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and Regexp(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTerms splits on "|" outside parentheses so regexps may use alternation.
func splitTerms(expr string) []string {
	var (
		out   []string
		depth int
		start int
	)
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				out = append(out, expr[start:i])
				start = i + 1
			}
		}
	}
	return append(out, expr[start:])
}

func (r *Route) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

func (r *Route) expired(age time.Duration) bool {
	return r.maxAge > 0 && age > r.maxAge
}

// route returns the first matching route, or the default route.
func (c *Config) route(path string) *Route {
	for i := range c.Routes {
		if c.Routes[i].Matches(path) {
			return &c.Routes[i]
		}
	}
	return &c.fallback
}

func (c *Config) StaticCacheName() string {
	return c.CachePrefix + "-static-" + c.Version
}

func (c *Config) DynamicCacheName() string {
	return c.CachePrefix + "-dynamic-" + c.Version
}

func (c *Config) cacheName(k Kind) string {
	if k == KindStatic {
		return c.StaticCacheName()
	}
	return c.DynamicCacheName()
}

// Assets is the static asset list, always including the manifest and the
// offline page, without duplicates and in declaration order.
func (c *Config) Assets() []string {
	seen := make(map[string]struct{}, len(c.StaticAssets)+2)
	out := make([]string, 0, len(c.StaticAssets)+2)
	for _, a := range append(append([]string{}, c.StaticAssets...), c.ManifestPath, c.OfflinePath) {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func (c *Config) NetworkTimeoutDuration() time.Duration { return c.networkTimeout }
