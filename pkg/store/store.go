/*
Package store persists the canonical snapshot of every published client
version, so that sync requests don't need to re-hash the canonical tree.

Snapshots are stored on disk with diskv, one msgpack file per Key, and the
most recently used ones are kept in memory. Concurrent loads of the same
snapshot share a single disk read.
*/
package store

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-version"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/peterbourgon/diskv/v3"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"

	"github.com/sidkik/treesync/pkg/errors"
	"github.com/sidkik/treesync/pkg/hasher"
	"github.com/sidkik/treesync/pkg/tree"
)

// DefaultCacheSize is the number of snapshots kept in memory when no size is
// configured.
const DefaultCacheSize = 32

// ErrNotFound is returned when a snapshot hasn't been published.
var ErrNotFound = errors.New("snapshot not published")

// Snapshot is a published canonical tree.
type Snapshot struct {
	Key         Key
	PublishedAt time.Time
	Tree        *tree.Dir
}

// record is the on-disk format of a Snapshot.
type record struct {
	PublishedAt time.Time `msgpack:"publishedAt"`
	Tree        []byte    `msgpack:"tree"`
}

// Store is a collection of published snapshots. It's safe for concurrent use.
type Store struct {
	disk   *diskv.Diskv
	cache  *lru.Cache[Key, Snapshot]
	loads  singleflight.Group
	hasher *hasher.Hasher
	clock  clockwork.Clock
	log    log.FieldLogger

	cacheSize int

	// writeLock serializes writes, and guards generations. A key's
	// generation changes on every Put or Delete, so that a load that started
	// before the write doesn't cache what it read.
	writeLock   sync.Mutex
	generations map[Key]uint64
}

// Option configures a Store.
type Option func(*Store)

// WithHasher sets the hasher used by Publish.
func WithHasher(h *hasher.Hasher) Option {
	return func(s *Store) {
		s.hasher = h
	}
}

// WithCacheSize sets the number of snapshots kept in memory.
func WithCacheSize(n int) Option {
	return func(s *Store) {
		s.cacheSize = n
	}
}

// WithClock sets the clock used to timestamp published snapshots.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.FieldLogger) Option {
	return func(s *Store) {
		s.log = logger
	}
}

// New opens the store rooted at `dir`. The directory is created on the first
// write.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		clock:       clockwork.NewRealClock(),
		log:         log.StandardLogger(),
		cacheSize:   DefaultCacheSize,
		generations: map[Key]uint64{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.hasher == nil {
		s.hasher = hasher.New(hasher.WithLogger(s.log))
	}

	cache, err := lru.New[Key, Snapshot](s.cacheSize)
	if err != nil {
		return nil, errors.WithContext(err, "create cache")
	}
	s.cache = cache

	s.disk = diskv.New(diskv.Options{
		BasePath:          dir,
		AdvancedTransform: toPathKey,
		InverseTransform:  fromPathKey,
	})
	return s, nil
}

// Publish hashes the canonical tree at `root` with the given filters, and
// stores it under `key`, replacing any previous snapshot.
func (s *Store) Publish(ctx context.Context, key Key, root string,
	include, exclude []string) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}

	snapshotTree, err := s.hasher.HashDirectory(ctx, root, include, exclude)
	if err != nil {
		return Snapshot{}, err
	}

	snapshot, err := s.Put(key, snapshotTree)
	if err != nil {
		return Snapshot{}, err
	}

	stats := tree.Summarize(snapshotTree)
	s.log.WithFields(log.Fields{
		"key":   key.String(),
		"root":  root,
		"files": stats.Files,
		"bytes": stats.TotalBytes,
	}).Info("Published snapshot")
	return snapshot, nil
}

// Put stores an already computed snapshot under `key`.
func (s *Store) Put(key Key, snapshotTree *tree.Dir) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}

	treeBytes, err := tree.MarshalMsgpack(snapshotTree)
	if err != nil {
		return Snapshot{}, errors.WithContext(err, "encode tree")
	}

	snapshot := Snapshot{
		Key:         key,
		PublishedAt: s.clock.Now().UTC(),
		Tree:        snapshotTree,
	}
	data, err := msgpack.Marshal(record{PublishedAt: snapshot.PublishedAt, Tree: treeBytes})
	if err != nil {
		return Snapshot{}, errors.WithContext(err, "encode snapshot")
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if err := s.disk.Write(key.String(), data); err != nil {
		return Snapshot{}, errors.WithContext(err, "write snapshot")
	}
	s.generations[key]++
	s.cache.Add(key, snapshot)
	s.loads.Forget(key.String())
	return snapshot, nil
}

// Get returns the snapshot stored under `key`. It returns an error wrapping
// ErrNotFound if nothing has been published under the key.
func (s *Store) Get(key Key) (Snapshot, error) {
	if err := key.Validate(); err != nil {
		return Snapshot{}, err
	}

	if snapshot, ok := s.cache.Get(key); ok {
		return snapshot, nil
	}

	loaded, err, _ := s.loads.Do(key.String(), func() (interface{}, error) {
		generation := s.generation(key)
		snapshot, err := s.load(key)
		if err != nil {
			return nil, err
		}
		s.cacheIfCurrent(key, generation, snapshot)
		return snapshot, nil
	})
	if err != nil {
		return Snapshot{}, err
	}
	return loaded.(Snapshot), nil
}

func (s *Store) generation(key Key) uint64 {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.generations[key]
}

// cacheIfCurrent caches a snapshot loaded at `generation`, unless the key has
// been written since.
func (s *Store) cacheIfCurrent(key Key, generation uint64, snapshot Snapshot) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if s.generations[key] == generation {
		s.cache.Add(key, snapshot)
	}
}

func (s *Store) load(key Key) (Snapshot, error) {
	data, err := s.disk.Read(key.String())
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, errors.WithContext(ErrNotFound, key.String())
		}
		return Snapshot{}, errors.WithContext(err, "read snapshot")
	}

	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Snapshot{}, errors.WithContext(err, "decode snapshot")
	}

	snapshotTree, err := tree.UnmarshalMsgpack(rec.Tree)
	if err != nil {
		return Snapshot{}, errors.WithContext(err, "decode tree")
	}

	return Snapshot{
		Key:         key,
		PublishedAt: rec.PublishedAt.UTC(),
		Tree:        snapshotTree,
	}, nil
}

// Delete removes the snapshot stored under `key`.
func (s *Store) Delete(key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	s.generations[key]++
	s.cache.Remove(key)
	s.loads.Forget(key.String())
	if err := s.disk.Erase(key.String()); err != nil {
		if os.IsNotExist(err) {
			return errors.WithContext(ErrNotFound, key.String())
		}
		return errors.WithContext(err, "erase snapshot")
	}
	return nil
}

// Keys returns the keys of every snapshot published for `profile`, sorted by
// version and then category.
func (s *Store) Keys(profile string) ([]Key, error) {
	if err := validateSegment(profile); err != nil {
		return nil, errors.WithContext(err, "profile")
	}

	var keys []Key
	for rawKey := range s.disk.KeysPrefix(profile+"/", nil) {
		key, err := ParseKey(rawKey)
		if err != nil {
			s.log.WithError(err).WithField("key", rawKey).Warn("Ignoring unexpected file in snapshot store")
			continue
		}
		keys = append(keys, key)
	}

	versions := sortVersions(lo.Uniq(lo.Map(keys, func(k Key, _ int) string {
		return k.Version
	})))
	rank := map[string]int{}
	for i, v := range versions {
		rank[v] = i
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Version != keys[j].Version {
			return rank[keys[i].Version] < rank[keys[j].Version]
		}
		return keys[i].Category < keys[j].Category
	})
	return keys, nil
}

// Versions returns every version of `profile` that has at least one published
// snapshot, oldest first.
func (s *Store) Versions(profile string) ([]string, error) {
	keys, err := s.Keys(profile)
	if err != nil {
		return nil, err
	}

	// Keys are already sorted by version.
	return lo.Uniq(lo.Map(keys, func(k Key, _ int) string {
		return k.Version
	})), nil
}

// Latest returns the newest published version of `profile`.
func (s *Store) Latest(profile string) (string, error) {
	versions, err := s.Versions(profile)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", errors.WithContext(ErrNotFound, profile)
	}
	return versions[len(versions)-1], nil
}

// sortVersions sorts `versions` in place. Strings that parse as versions are
// ordered semantically, so 1.9 comes before 1.20.4, and come before anything
// that doesn't parse, such as "nightly". Unparseable strings are ordered
// lexically.
func sortVersions(versions []string) []string {
	parsed := make(map[string]*version.Version, len(versions))
	for _, v := range versions {
		if semver, err := version.NewVersion(v); err == nil {
			parsed[v] = semver
		}
	}

	sort.SliceStable(versions, func(i, j int) bool {
		vi, iOK := parsed[versions[i]]
		vj, jOK := parsed[versions[j]]
		switch {
		case iOK && jOK && !vi.Equal(vj):
			return vi.LessThan(vj)
		case iOK != jOK:
			return iOK
		default:
			return versions[i] < versions[j]
		}
	})
	return versions
}
