package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// initTimeout bounds a shared backend Init once it is detached from the
// caller that started it.
const initTimeout = 30 * time.Second

// Store maps session keys to history handles. It is meant to be created
// once per process and injected into whatever serves requests.
type Store struct {
	backend Backend

	mu          sync.RWMutex
	handles     map[string]*History
	group       singleflight.Group
	initTimeout time.Duration
}

// NewStore creates an empty store over backend.
func NewStore(backend Backend) *Store {
	observability.EnsureRegistered()
	return &Store{
		backend:     backend,
		handles:     make(map[string]*History),
		initTimeout: initTimeout,
	}
}

// GetOrCreate returns the handle for key, initializing durable storage on
// first use. Concurrent first calls for one key share a single backend
// Init; first calls for different keys proceed independently. When Init
// fails the key is not registered and the error is an *InitError.
//
// The shared Init runs detached from ctx under its own timeout, so one
// caller giving up does not fail the others waiting on the same key. A
// caller whose ctx ends first returns an *InitError wrapping ctx.Err().
func (s *Store) GetOrCreate(ctx context.Context, key string) (*History, error) {
	if strings.TrimSpace(key) == "" {
		return nil, &InitError{Key: key, Err: ErrEmptyKey}
	}

	if h := s.lookup(key); h != nil {
		return h, nil
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		if h := s.lookup(key); h != nil {
			return h, nil
		}
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.initTimeout)
		defer cancel()
		return s.create(initCtx, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*History), nil
	case <-ctx.Done():
		return nil, &InitError{Key: key, Err: ctx.Err()}
	}
}

func (s *Store) lookup(key string) *History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handles[key]
}

func (s *Store) create(ctx context.Context, key string) (*History, error) {
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(ctx, "realty.session", "session.init",
		tracing.AttrSessionKey.String(key),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	err := s.backend.Init(ctx, key)
	observability.RecordSessionInit(time.Since(start), err == nil)
	if err != nil {
		initErr := &InitError{Key: key, Err: err}
		tracing.RecordError(span, initErr)
		observability.RecordSessionAudit(ctx, key, "session_created", "failure", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, initErr
	}

	h := &History{key: key, backend: s.backend}

	s.mu.Lock()
	s.handles[key] = h
	count := len(s.handles)
	s.mu.Unlock()

	observability.SetActiveSessions(count)
	observability.RecordSessionAudit(ctx, key, "session_created", "success", nil)
	logger.Debug().Msg("Session registered")

	return h, nil
}

// Len returns the number of registered sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}

// Keys returns the registered session keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.handles))
	for k := range s.handles {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// Backend returns the store's persistence backend.
func (s *Store) Backend() Backend {
	return s.backend
}

// Close closes the backend. Handles must not be used afterwards.
func (s *Store) Close() error {
	return s.backend.Close()
}
