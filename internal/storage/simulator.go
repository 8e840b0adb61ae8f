package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Simulator is a SnapshotStore for local development: nothing leaves the
// process, URLs are deterministic.
type Simulator struct {
	bucket   string
	endpoint string

	mu      sync.Mutex
	objects map[string][]byte
}

func NewSimulator(bucket, endpoint string) *Simulator {
	return &Simulator{
		bucket:   strings.TrimSpace(bucket),
		endpoint: strings.TrimSpace(endpoint),
		objects:  make(map[string][]byte),
	}
}

func (r *Simulator) PutSnapshot(_ context.Context, key string, body []byte) (string, error) {
	if len(body) == 0 {
		return "", fmt.Errorf("empty snapshot body")
	}

	r.mu.Lock()
	r.objects[key] = append([]byte(nil), body...)
	r.mu.Unlock()

	sum := sha256.Sum256(body)

	ep := r.endpoint
	if ep == "" {
		ep = "https://r2.example.invalid"
	}
	bucket := r.bucket
	if bucket == "" {
		bucket = "listing-repricer"
	}

	return fmt.Sprintf("%s/%s/%s?etag=%s", strings.TrimRight(ep, "/"), bucket, key, hex.EncodeToString(sum[:8])), nil
}

// Object returns a stored body, for tests.
func (r *Simulator) Object(key string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.objects[key]
	return b, ok
}
