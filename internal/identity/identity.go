// Package identity manages the actor registry: who may submit proposals, at
// what autonomy tier, and which bearer tokens belong to administrators.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Actor statuses.
const (
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// RoleAdmin marks the only role allowed to approve or deny escalations.
const RoleAdmin = "admin"

// Actor is one registered principal. Tokens are never stored; only the
// sha256 fingerprint of the token appears in the registry file.
type Actor struct {
	ID             string `json:"-"`
	Role           string `json:"role"`
	Status         string `json:"status"`
	Tier           int    `json:"tier"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
}

// IsActive reports whether the actor may act at all.
func (a Actor) IsActive() bool {
	return a.Status == StatusActive
}

type registryFile struct {
	Actors map[string]Actor `json:"actors"`
}

// Registry is an in-memory view of the identities file. Reload swaps the
// whole view atomically; lookups never observe a partial update.
type Registry struct {
	mu     sync.RWMutex
	path   string
	actors map[string]Actor
}

// Load reads the identities file at path.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the identities file, replacing the current view.
func (r *Registry) Reload() error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("identity: read registry %s: %w", r.path, err)
	}

	var doc registryFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("identity: parse registry %s: %w", r.path, err)
	}

	actors := make(map[string]Actor, len(doc.Actors))
	for id, a := range doc.Actors {
		a.ID = id
		actors[id] = a
	}

	r.mu.Lock()
	r.actors = actors
	r.mu.Unlock()
	return nil
}

// Lookup returns the actor by id.
func (r *Registry) Lookup(actorID string) (Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[actorID]
	return a, ok
}

// ValidateActor reports whether the actor may submit proposals: it must be
// registered and active.
func (r *Registry) ValidateActor(actorID string) error {
	a, ok := r.Lookup(actorID)
	if !ok {
		return fmt.Errorf("identity: unknown actor %q", actorID)
	}
	if !a.IsActive() {
		return fmt.Errorf("identity: actor %q is %s", actorID, a.Status)
	}
	return nil
}

// Tier returns the actor's autonomy tier, defaulting to 0 (propose-only)
// for unregistered actors.
func (r *Registry) Tier(actorID string) int {
	a, ok := r.Lookup(actorID)
	if !ok {
		return 0
	}
	return a.Tier
}

// AuthenticateBearer resolves a bearer token to an active admin actor.
// Fingerprints are compared in constant time.
func (r *Registry) AuthenticateBearer(token string) (Actor, bool) {
	if token == "" {
		return Actor{}, false
	}
	fp := Fingerprint(token)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.actors {
		if a.Role != RoleAdmin || !a.IsActive() || a.KeyFingerprint == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(a.KeyFingerprint), []byte(fp)) == 1 {
			return a, true
		}
	}
	return Actor{}, false
}

// Fingerprint renders a token as the registry stores it: "sha256:" plus the
// hex digest of the raw token bytes.
func Fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// BearerFromHeader extracts a token from an Authorization header value.
func BearerFromHeader(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
