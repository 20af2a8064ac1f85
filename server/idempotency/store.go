package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Response is a cached handler response replayed for a repeated key.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend matches the generic key-value surface of the cache adapter.
type Backend interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

const recordTTL = 24 * time.Hour

// Store caches responses keyed by the client-supplied idempotency key.
type Store struct {
	backend Backend
	// In-memory fallback
	cache sync.Map
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{
		backend: backend,
	}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		val, err := s.backend.Get(ctx, "idempotency:"+key)
		if err != nil {
			log.Printf("Idempotency: backend error getting %s: %v", key, err)
			return Response{}, false
		}
		if val == "" {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal([]byte(val), &e); err != nil {
			return Response{}, false
		}
		return e.Resp, true
	}

	// Memory Fallback
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if time.Since(e.Timestamp) > recordTTL {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: time.Now()}
	if s.backend != nil {
		data, err := json.Marshal(e)
		if err != nil {
			log.Printf("Idempotency: failed to marshal response for %s: %v", key, err)
			return
		}
		if err := s.backend.Set(ctx, "idempotency:"+key, string(data), recordTTL); err != nil {
			log.Printf("Idempotency: backend error setting %s: %v", key, err)
		}
		return
	}
	s.cache.Store(key, e)
}
