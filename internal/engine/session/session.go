// Package session keeps short-lived per-owner request state so that a
// caller cannot run two creates at once and a retried request gets the
// original answer back.
package session

import (
	"sync"
	"time"

	apperrors "github.com/chiquitav2/vpn-provisioner/internal/shared/errors"
	"github.com/jellydator/ttlcache/v3"
)

// DefaultTTL is how long an idle owner context is kept.
const DefaultTTL = 10 * time.Minute

// ErrInFlight is returned when the owner already has a request running.
var ErrInFlight = apperrors.NewProvisioningError(apperrors.ErrCodeInFlight, "another request for this owner is in progress", true, nil)

// Context is the conversation state of one owner.
type Context struct {
	OwnerID       int64
	InFlight      string
	LastRequestID string
	LastResult    any
	UpdatedAt     time.Time
}

// Config controls the store.
type Config struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// Store is a TTL map of owner contexts. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	cache   *ttlcache.Cache[int64, Context]
	now     func() time.Time
	running bool
}

// NewStore creates a store. Call Start to run expiry in the background.
func NewStore(cfg Config) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache: ttlcache.New[int64, Context](
			ttlcache.WithTTL[int64, Context](ttl),
		),
		now: time.Now,
	}
}

// Start runs the expiry loop until Stop is called.
func (s *Store) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	go s.cache.Start()
}

// Stop ends the expiry loop. It is a no-op if Start was not called.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.cache.Stop()
}

// Get returns the current context of owner.
func (s *Store) Get(ownerID int64) (Context, bool) {
	item := s.cache.Get(ownerID)
	if item == nil {
		return Context{}, false
	}
	return item.Value(), true
}

// Begin marks requestID as in flight for owner. If requestID already
// completed, its result is returned with replay set and nothing is marked.
// A different request already in flight yields ErrInFlight.
func (s *Store) Begin(ownerID int64, requestID string) (result any, replay bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, _ := s.Get(ownerID)
	if requestID != "" && c.LastRequestID == requestID && c.InFlight == "" {
		return c.LastResult, true, nil
	}
	if c.InFlight != "" {
		return nil, false, ErrInFlight.WithMetadata("owner_id", ownerID)
	}

	c.OwnerID = ownerID
	c.InFlight = requestID
	if c.InFlight == "" {
		c.InFlight = "-"
	}
	c.UpdatedAt = s.now()
	s.cache.Set(ownerID, c, ttlcache.DefaultTTL)
	return nil, false, nil
}

// Finish clears the in-flight marker and remembers result for replay.
func (s *Store) Finish(ownerID int64, requestID string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, _ := s.Get(ownerID)
	c.OwnerID = ownerID
	c.InFlight = ""
	c.LastRequestID = requestID
	c.LastResult = result
	c.UpdatedAt = s.now()
	s.cache.Set(ownerID, c, ttlcache.DefaultTTL)
}

// Abort clears the in-flight marker without recording a result, so the
// same request id may be retried.
func (s *Store) Abort(ownerID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.Get(ownerID)
	if !ok {
		return
	}
	c.InFlight = ""
	c.UpdatedAt = s.now()
	s.cache.Set(ownerID, c, ttlcache.DefaultTTL)
}

// Len returns the number of live contexts.
func (s *Store) Len() int { return s.cache.Len() }
