package pairing

import (
	"bytes"
	"encoding/gob"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gosuda/rxpc/rxpcerr"
)

// Store persists pairing records: an opaque key/value record per device
// identifier, with the on-disk encoding left to the implementation. The
// core only ever calls Load/Save against this interface.
type Store interface {
	Load(identifier string) (*DeviceIdentity, error)
	Save(identity *DeviceIdentity) error
	Delete(identifier string) error
}

// ErrNotFound is returned by Load when no record matches the identifier.
var ErrNotFound = rxpcerr.New(rxpcerr.Pairing, "pairing: no record for device identifier")

// record is the gob-serializable shape persisted to disk. Field names are
// independent of DeviceIdentity's so the on-disk format can evolve without
// forcing an exported rename in the in-memory type.
type record struct {
	Identifier          string
	PublicKey           []byte
	SecretKey           []byte
	RemoteUnlockHostKey string
}

// FileStore is the bundled default Store: one gob-encoded file per device
// identifier under a base directory. Nothing in the protocol depends on
// the on-disk byte format, only on the record round-tripping, and gob is
// the stdlib-native choice for an opaque Go struct blob.
type FileStore struct {
	dir string
}

// NewFileStore returns a FileStore rooted at dir. The directory is
// created on first Save if it does not already exist.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (f *FileStore) path(identifier string) string {
	return filepath.Join(f.dir, identifier+".pairing")
}

func (f *FileStore) Load(identifier string) (*DeviceIdentity, error) {
	data, err := os.ReadFile(f.path(identifier))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, rxpcerr.Wrap(rxpcerr.Pairing, "pairing: read record", err)
	}

	var rec record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&rec); err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Pairing, "pairing: decode record", err)
	}

	return &DeviceIdentity{
		Identifier:          rec.Identifier,
		LongTermPublicKey:   rec.PublicKey,
		LongTermSecretKey:   rec.SecretKey,
		RemoteUnlockHostKey: rec.RemoteUnlockHostKey,
	}, nil
}

func (f *FileStore) Save(identity *DeviceIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return rxpcerr.Wrap(rxpcerr.Pairing, "pairing: create store directory", err)
	}

	rec := record{
		Identifier:          identity.Identifier,
		PublicKey:           identity.LongTermPublicKey,
		SecretKey:           identity.LongTermSecretKey,
		RemoteUnlockHostKey: identity.RemoteUnlockHostKey,
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return rxpcerr.Wrap(rxpcerr.Pairing, "pairing: encode record", err)
	}

	if err := os.WriteFile(f.path(identity.Identifier), buf.Bytes(), 0o600); err != nil {
		return rxpcerr.Wrap(rxpcerr.Pairing, "pairing: write record", err)
	}
	return nil
}

func (f *FileStore) Delete(identifier string) error {
	if err := os.Remove(f.path(identifier)); err != nil && !os.IsNotExist(err) {
		return rxpcerr.Wrap(rxpcerr.Pairing, "pairing: delete record", err)
	}
	return nil
}

// CachedStore wraps a backing Store with a bounded in-process LRU read
// cache, for a host that multiplexes sessions against several devices
// and would otherwise re-read the same record from disk on every
// pair-verify.
type CachedStore struct {
	backing Store
	mu      sync.Mutex
	cache   *lru.Cache[string, *DeviceIdentity]
}

// NewCachedStore wraps backing with an LRU cache holding up to size
// records.
func NewCachedStore(backing Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, *DeviceIdentity](size)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Pairing, "pairing: create cache", err)
	}
	return &CachedStore{backing: backing, cache: cache}, nil
}

func (c *CachedStore) Load(identifier string) (*DeviceIdentity, error) {
	c.mu.Lock()
	if v, ok := c.cache.Get(identifier); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	identity, err := c.backing.Load(identifier)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(identifier, identity)
	c.mu.Unlock()
	return identity, nil
}

func (c *CachedStore) Save(identity *DeviceIdentity) error {
	if err := c.backing.Save(identity); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache.Add(identity.Identifier, identity)
	c.mu.Unlock()
	return nil
}

func (c *CachedStore) Delete(identifier string) error {
	if err := c.backing.Delete(identifier); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache.Remove(identifier)
	c.mu.Unlock()
	return nil
}
