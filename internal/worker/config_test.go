package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("version: v7\nstaticAssets: [/, /offline.html]\n"))
	require.NoError(t, err)

	assert.Equal(t, "shellcache-static-v7", cfg.StaticCacheName())
	assert.Equal(t, "shellcache-dynamic-v7", cfg.DynamicCacheName())
	assert.Equal(t, StrategyNetworkFirst, cfg.DefaultStrategy)
	assert.Equal(t, 10*time.Second, cfg.NetworkTimeoutDuration())
	assert.Equal(t, []string{"/", "/offline.html", "/manifest.json"}, cfg.Assets())

	r := cfg.route("/anything")
	assert.Equal(t, StrategyNetworkFirst, r.Strategy)
	assert.Equal(t, KindDynamic, r.Cache)
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing version", "cachePrefix: app\n", "version is required"},
		{"version with space", "version: 'v 1'\n", "must not contain whitespace"},
		{"relative asset", "version: v1\nstaticAssets: [index.html]\n", "staticAssets[0]"},
		{"bad timeout", "version: v1\nnetworkTimeout: soon\n", "networkTimeout"},
		{"bad default strategy", "version: v1\ndefaultStrategy: stale-while-revalidate\n", "defaultStrategy"},
		{"bad match", "version: v1\nroutes:\n  - match: Host(x)\n    strategy: cache-first\n", "routes[0].match"},
		{"relative prefix", "version: v1\nroutes:\n  - match: PathPrefix(api)\n    strategy: cache-first\n", "routes[0].match"},
		{"bad regexp", "version: v1\nroutes:\n  - match: Regexp(^/[)\n    strategy: cache-first\n", "invalid regexp"},
		{"bad strategy", "version: v1\nroutes:\n  - match: PathPrefix(/)\n    strategy: fastest\n", "routes[0].strategy"},
		{"bad cache", "version: v1\nroutes:\n  - match: PathPrefix(/)\n    strategy: cache-first\n    cache: warm\n", "routes[0].cache"},
		{"negative max entries", "version: v1\nroutes:\n  - match: PathPrefix(/)\n    strategy: cache-first\n    maxEntries: -1\n", "routes[0].maxEntries"},
		{"manifest without icons", "version: v1\nmanifest:\n  name: App\n", "manifest requires"},
		{"not yaml", "version: [", "worker config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_RoutePriority(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
version: v1
routes:
  - match: PathPrefix(/)
    strategy: network-first
    priority: 100
  - match: Regexp(\.(png|svg)$) | PathPrefix(/_next/static)
    strategy: cache-first
    priority: 1
    maxAge: 720h
`))
	require.NoError(t, err)

	tests := []struct {
		path     string
		strategy Strategy
		cache    Kind
	}{
		{"/icons/a.png", StrategyCacheFirst, KindStatic},
		{"/logo.svg", StrategyCacheFirst, KindStatic},
		{"/_next/static/chunk.js", StrategyCacheFirst, KindStatic},
		{"/cars", StrategyNetworkFirst, KindDynamic},
	}
	for _, tt := range tests {
		r := cfg.route(tt.path)
		assert.Equal(t, tt.strategy, r.Strategy, tt.path)
		assert.Equal(t, tt.cache, r.Cache, tt.path)
	}

	r := cfg.route("/a.png")
	assert.False(t, r.expired(719*time.Hour))
	assert.True(t, r.expired(721*time.Hour))
}

func TestSplitTerms(t *testing.T) {
	assert.Equal(t, []string{"PathPrefix(/a) ", " Regexp(^/(b|c)$)"}, splitTerms(`PathPrefix(/a) | Regexp(^/(b|c)$)`))
	assert.Equal(t, []string{`Regexp(a\|b)`}, splitTerms(`Regexp(a\|b)`))
}

func TestValidManifest(t *testing.T) {
	assert.True(t, validManifest([]byte(manifestJSON)))
	assert.True(t, validManifest([]byte(`{"name":"x","icons":[]}`)))
	assert.False(t, validManifest([]byte(`{"name":"x"}`)))
	assert.False(t, validManifest([]byte(`{"icons":[]}`)))
	assert.False(t, validManifest([]byte(`[]`)))
	assert.False(t, validManifest([]byte(`not json`)))
}
