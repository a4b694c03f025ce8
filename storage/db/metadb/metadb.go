// Package metadb opens the key-value database backing the storage.
package metadb

import (
	"fmt"

	"github.com/vocdoni/arbo/memdb"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/pebbledb"
)

const (
	// TypePebble is a persistent pebble database.
	TypePebble = db.TypePebble
	// TypeMemory is a volatile in-memory database, for tests and demos.
	TypeMemory = "memory"
)

// New opens a database of the given type. dir is ignored by TypeMemory.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case TypePebble:
		database, err := pebbledb.New(db.Options{Path: dir})
		if err != nil {
			return nil, fmt.Errorf("open pebble at %s: %w", dir, err)
		}
		return database, nil
	case TypeMemory:
		return memdb.New(), nil
	default:
		return nil, fmt.Errorf("invalid dbType: %q. Available types: %q, %q",
			typ, TypePebble, TypeMemory)
	}
}
