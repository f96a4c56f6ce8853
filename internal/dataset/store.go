package dataset

import (
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/mrcode/therapy-settings/internal/timeline"
)

// Store loads user directories under a root and keeps recently used users in memory.
// Users are immutable once built, so cached values are shared between callers.
type Store struct {
	root  string
	opts  timeline.IngestOptions
	cache *lru.Cache[string, *timeline.User]

	mu     sync.Mutex
	hits   int
	misses int
}

// NewStore creates a store caching up to size users
func NewStore(root string, size int, opts timeline.IngestOptions) (*Store, error) {
	cache, err := lru.New[string, *timeline.User](size)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, opts: opts, cache: cache}, nil
}

// Root returns the dataset root directory
func (s *Store) Root() string {
	return s.root
}

func (s *Store) resolve(dir string) string {
	if !filepath.IsAbs(dir) && s.root != "" && filepath.Dir(dir) == "." {
		dir = filepath.Join(s.root, dir)
	}
	return filepath.Clean(dir)
}

// Load returns the user in dir, reading it from disk on a cache miss.
// A bare directory name is resolved against the store root.
func (s *Store) Load(dir string) (*timeline.User, error) {
	key := s.resolve(dir)
	if u, ok := s.cache.Get(key); ok {
		s.count(true)
		return u, nil
	}
	s.count(false)

	u, err := Load(key, s.opts)
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, u)
	log.Debug().Str("dir", key).Str("user_id", u.ID).Msg("Loaded user")
	return u, nil
}

func (s *Store) count(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

// Stats returns cache hit and miss counts
func (s *Store) Stats() (hits, misses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}

// Users lists the user directories under the root
func (s *Store) Users() ([]string, error) {
	return List(s.root)
}

// Evict drops a user from the cache
func (s *Store) Evict(dir string) {
	s.cache.Remove(s.resolve(dir))
}
