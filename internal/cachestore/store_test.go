package cachestore

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storageFactory func(t *testing.T) Storage

func factories() map[string]storageFactory {
	return map[string]storageFactory{
		"memory": func(t *testing.T) Storage {
			s := NewMemory(0, nil)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"leveldb": func(t *testing.T) Storage {
			s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), 0, nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func entryFor(rawURL, body string, at time.Time) Entry {
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("Content-Length", "999")
	return NewEntry(req, http.StatusOK, h, []byte(body), at)
}

func TestStorage_Contract(t *testing.T) {
	for name, newStorage := range factories() {
		t.Run(name, func(t *testing.T) {
			t.Run("open is idempotent and ordered", func(t *testing.T) {
				s := newStorage(t)
				_, err := s.Open("app-static-v1")
				require.NoError(t, err)
				_, err = s.Open("app-dynamic-v1")
				require.NoError(t, err)
				_, err = s.Open("app-static-v1")
				require.NoError(t, err)

				keys, err := s.Keys()
				require.NoError(t, err)
				assert.Equal(t, []string{"app-static-v1", "app-dynamic-v1"}, keys)
			})

			t.Run("put match overwrite", func(t *testing.T) {
				s := newStorage(t)
				c, err := s.Open("gen")
				require.NoError(t, err)

				now := time.Now()
				ent := entryFor("http://example.test/a", "first", now)
				require.NoError(t, c.Put(ent))

				got, ok, err := c.Match(ent.Key())
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("first"), got.Body)
				assert.Empty(t, got.Header.Get("Content-Length"))

				require.NoError(t, c.Put(entryFor("http://example.test/a", "second", now.Add(time.Second))))
				got, ok, err = c.Match(ent.Key())
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("second"), got.Body)

				_, ok, err = c.Match(Key(http.MethodGet, "http://example.test/missing"))
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("keys oldest first", func(t *testing.T) {
				s := newStorage(t)
				c, err := s.Open("gen")
				require.NoError(t, err)
				base := time.Now()
				require.NoError(t, c.Put(entryFor("http://example.test/new", "x", base.Add(2*time.Second))))
				require.NoError(t, c.Put(entryFor("http://example.test/old", "x", base)))

				keys, err := c.Keys()
				require.NoError(t, err)
				assert.Equal(t, []string{
					"GET http://example.test/old",
					"GET http://example.test/new",
				}, keys)

				deleted, err := c.Delete("GET http://example.test/old")
				require.NoError(t, err)
				assert.True(t, deleted)
				deleted, err = c.Delete("GET http://example.test/old")
				require.NoError(t, err)
				assert.False(t, deleted)
			})

			t.Run("delete generation", func(t *testing.T) {
				s := newStorage(t)
				old, err := s.Open("old")
				require.NoError(t, err)
				keep, err := s.Open("keep")
				require.NoError(t, err)
				require.NoError(t, old.Put(entryFor("http://example.test/a", "a", time.Now())))
				require.NoError(t, keep.Put(entryFor("http://example.test/a", "b", time.Now())))

				existed, err := s.Delete("old")
				require.NoError(t, err)
				assert.True(t, existed)
				existed, err = s.Delete("old")
				require.NoError(t, err)
				assert.False(t, existed)

				has, err := s.Has("old")
				require.NoError(t, err)
				assert.False(t, has)
				assert.ErrorIs(t, old.Put(entryFor("http://example.test/b", "b", time.Now())), ErrGenerationDeleted)

				got, ok, err := keep.Match("GET http://example.test/a")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, []byte("b"), got.Body)

				u := s.Usage()
				assert.Equal(t, 1, u.Generations)
				assert.Equal(t, 1, u.Entries)
			})

			t.Run("concurrent deletes", func(t *testing.T) {
				s := newStorage(t)
				_, err := s.Open("stale")
				require.NoError(t, err)

				var wg sync.WaitGroup
				results := make(chan bool, 8)
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						ok, err := s.Delete("stale")
						assert.NoError(t, err)
						results <- ok
					}()
				}
				wg.Wait()
				close(results)
				n := 0
				for ok := range results {
					if ok {
						n++
					}
				}
				assert.Equal(t, 1, n)
			})

			t.Run("closed", func(t *testing.T) {
				s := newStorage(t)
				require.NoError(t, s.Close())
				_, err := s.Open("x")
				assert.ErrorIs(t, err, ErrClosed)
			})

			t.Run("invalid name", func(t *testing.T) {
				s := newStorage(t)
				_, err := s.Open("")
				assert.Error(t, err)
				_, err = s.Open("a\x00b")
				assert.Error(t, err)
			})
		})
	}
}

func TestLevelDB_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := OpenLevelDB(path, 0, nil)
	require.NoError(t, err)
	c, err := s.Open("app-static-v1")
	require.NoError(t, err)
	require.NoError(t, c.Put(entryFor("http://example.test/", "<html>shell</html>", time.Now())))
	_, err = s.Open("app-dynamic-v1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenLevelDB(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-static-v1", "app-dynamic-v1"}, keys)

	c, err = s.Open("app-static-v1")
	require.NoError(t, err)
	got, ok, err := c.Match("GET http://example.test/")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<html>shell</html>", string(got.Body))
	assert.Positive(t, s.Usage().Bytes)
}

func TestBudgetEviction(t *testing.T) {
	for name, open := range map[string]func(t *testing.T, max int64) Storage{
		"memory": func(t *testing.T, max int64) Storage { return NewMemory(max, nil) },
		"leveldb": func(t *testing.T, max int64) Storage {
			s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), max, nil)
			require.NoError(t, err)
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			s := open(t, 4096)
			defer s.Close()
			c, err := s.Open("gen")
			require.NoError(t, err)

			body := strings.Repeat("x", 900)
			for i := 0; i < 20; i++ {
				require.NoError(t, c.Put(entryFor("http://example.test/"+string(rune('a'+i)), body, time.Now())))
			}
			u := s.Usage()
			assert.LessOrEqual(t, u.Bytes, int64(4096))
			assert.Less(t, u.Entries, 20)

			// the most recent write survives eviction
			_, ok, err := c.Match("GET http://example.test/t")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestBudgetEviction_KeepsStaticGenerations(t *testing.T) {
	for name, open := range map[string]func(t *testing.T, max int64) Storage{
		"memory": func(t *testing.T, max int64) Storage { return NewMemory(max, nil) },
		"leveldb": func(t *testing.T, max int64) Storage {
			s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"), max, nil)
			require.NoError(t, err)
			return s
		},
	} {
		t.Run(name, func(t *testing.T) {
			s := open(t, 4096)
			defer s.Close()
			static, err := s.Open("app-static-v1")
			require.NoError(t, err)
			dynamic, err := s.Open("app-dynamic-v1")
			require.NoError(t, err)

			body := strings.Repeat("x", 900)
			require.NoError(t, static.Put(entryFor("http://example.test/", body, time.Now())))
			require.NoError(t, static.Put(entryFor("http://example.test/offline.html", body, time.Now())))
			for i := 0; i < 20; i++ {
				require.NoError(t, dynamic.Put(entryFor("http://example.test/api/"+string(rune('a'+i)), body, time.Now())))
			}
			assert.LessOrEqual(t, s.Usage().Bytes, int64(4096))

			for _, key := range []string{"GET http://example.test/", "GET http://example.test/offline.html"} {
				_, ok, err := static.Match(key)
				require.NoError(t, err)
				assert.True(t, ok, key)
			}
			_, ok, err := dynamic.Match("GET http://example.test/api/a")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestEntryResponse(t *testing.T) {
	ent := entryFor("http://example.test/a", "hello", time.Now())
	req := httptest.NewRequest(http.MethodGet, "http://example.test/a", nil)

	for i := 0; i < 2; i++ {
		resp := ent.Response(req)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "5", resp.Header.Get("Content-Length"))
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(b))
	}
}
