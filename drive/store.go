// Package drive implements the content-addressed drive mirror (C8) of
// spec.md §4.5/§6.4: a local badger-backed block store keyed by CID, and a
// Mirror state machine that keeps a configured subtree of a remote peer's
// drive in sync with the local one. Grounded on
// kwsantiago-orly/database/database.go's badger.Open/GetSequence pattern
// for the local store, and on orpheuslummis-defradb/net/peer.go's
// host/dht/pubsub field shape (Peer{host, dht, ps}) for the peer substrate,
// adapted from DefraDB's CRDT-merge-over-pubsub model to the
// last-writer-wins prune-mirror semantics spec.md §4.5 calls for.
package drive

import (
	"bytes"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"hypertuna.dev/errorf"
	"hypertuna.dev/relayerr"
)

const (
	blockPrefix = "blk:"
	treePrefix  = "tree:"
)

// Store is the local content-addressed block store, grounded on
// kwsantiago-orly/database/database.go's badger.Open usage.
type Store struct {
	db *badger.DB
}

// Open opens (creating if absent) a badger-backed Store at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errorf.E("drive: open store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error { return s.db.Close() }

// Put content-addresses content, stores it, and returns its CID.
func (s *Store) Put(content []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(content, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, errorf.E("drive: hash content: %w", err)
	}
	c := cid.NewCidV1(cid.Raw, mh)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(blockPrefix+c.String()), content)
	})
	if err != nil {
		return cid.Undef, errorf.E("drive: store block %s: %w", c, err)
	}
	return c, nil
}

// Get returns the content addressed by c.
func (s *Store) Get(c cid.Cid) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blockPrefix + c.String()))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, relayerr.New(relayerr.MirrorError, "block not found: "+c.String(), nil)
	}
	if err != nil {
		return nil, errorf.E("drive: get block %s: %w", c, err)
	}
	return out, nil
}

// SetEntry binds a tree key (a drive path) to a CID, for entries under a
// mirrored subtree.
func (s *Store) SetEntry(key string, c cid.Cid) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(treePrefix+key), []byte(c.String()))
	})
	if err != nil {
		return errorf.E("drive: set entry %s: %w", key, err)
	}
	return nil
}

// DeleteEntry removes a tree key, pruning a deleted remote entry locally.
func (s *Store) DeleteEntry(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(treePrefix + key))
	})
	if err != nil {
		return errorf.E("drive: delete entry %s: %w", key, err)
	}
	return nil
}

// EntryCid returns the CID bound to key, if any.
func (s *Store) EntryCid(key string) (cid.Cid, bool, error) {
	var out cid.Cid
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(treePrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			c, err := cid.Decode(string(val))
			if err != nil {
				return err
			}
			out, found = c, true
			return nil
		})
	})
	if err != nil {
		return cid.Undef, false, errorf.E("drive: read entry %s: %w", key, err)
	}
	return out, found, nil
}

// ListEntries returns every tree key under prefix (inclusive of prefix
// itself) as an unordered map, matching spec.md §4.5's filter predicate `key == folder
// || key startsWith folder+"/"`.
func (s *Store) ListEntries(prefix string) (map[string]cid.Cid, error) {
	out := map[string]cid.Cid{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		pfx := []byte(treePrefix)
		for it.Seek(pfx); it.ValidForPrefix(pfx); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), treePrefix)
			if !matchesFolder(key, prefix) {
				continue
			}
			var c cid.Cid
			err := item.Value(func(val []byte) error {
				parsed, err := cid.Decode(string(val))
				if err != nil {
					return err
				}
				c = parsed
				return nil
			})
			if err != nil {
				return err
			}
			out[key] = c
		}
		return nil
	})
	if err != nil {
		return nil, errorf.E("drive: list entries under %s: %w", prefix, err)
	}
	return out, nil
}

// matchesFolder implements spec.md §4.5's entry filter.
func matchesFolder(key, folder string) bool {
	return key == folder || strings.HasPrefix(key, folder+"/")
}

// PutEntry content-addresses content and binds key to the resulting CID in
// one step.
func (s *Store) PutEntry(key string, content []byte) (cid.Cid, error) {
	c, err := s.Put(content)
	if err != nil {
		return cid.Undef, err
	}
	if err = s.SetEntry(key, c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// equalContent reports whether the content bound to key locally is
// byte-equal to want, used by the mirror to decide whether a write is
// needed.
func (s *Store) equalContent(key string, want []byte) bool {
	c, ok, err := s.EntryCid(key)
	if err != nil || !ok {
		return false
	}
	got, err := s.Get(c)
	if err != nil {
		return false
	}
	return bytes.Equal(got, want)
}

func hashKey(remoteKey, folder string) string { return remoteKey + "\x00" + folder }
