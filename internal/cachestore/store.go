// Package cachestore holds named cache generations of request/response
// snapshots.
//
// A Storage owns generations; a Cache is a handle on one generation. Each
// operation is atomic on its own, but a sequence such as Match followed by Put
// is not isolated from concurrent callers: the last Put wins.
package cachestore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed            = errors.New("cachestore: storage closed")
	ErrGenerationDeleted = errors.New("cachestore: generation deleted")
)

// Storage is the set of cache generations of one origin.
type Storage interface {
	// Open returns the named generation, creating it if absent.
	Open(name string) (Cache, error)
	Has(name string) (bool, error)
	// Delete removes a generation with all its entries. Deleting a missing
	// generation is not an error; the bool reports whether it existed.
	Delete(name string) (bool, error)
	// Keys lists generation names in creation order.
	Keys() ([]string, error)
	Usage() Usage
	Close() error
}

// Cache is one generation.
type Cache interface {
	Name() string
	Match(key string) (Entry, bool, error)
	// Put stores ent under ent.Key(), overwriting any previous entry.
	Put(ent Entry) error
	Delete(key string) (bool, error)
	// Keys lists entry keys, oldest StoredAt first.
	Keys() ([]string, error)
}

type Usage struct {
	Generations int
	Entries     int
	Bytes       int64
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("cachestore: empty generation name")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("cachestore: invalid generation name %q", name)
	}
	return nil
}

// evictLast reports whether gen holds the app shell. Budget eviction removes
// entries of every other generation first.
func evictLast(gen string) bool { return strings.Contains(gen, "-static-") }
