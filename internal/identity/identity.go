// Package identity declares the interface cob asks of the identity and
// delegate system spec.md §1 names as an external collaborator: "is commit
// C signed by a valid delegate of identity I at revision R?". cob's change
// and schema stores (internal/change, internal/schema) consume this
// interface; they never interpret identity documents themselves.
//
// A Registry implementation ships here too, for embedding applications and
// tests that don't have a separate identity system of their own: it tracks,
// per identity commit, the set of public keys delegated at each revision,
// and can answer the composite question directly given a signing.Verifier.
package identity

import (
	"sync"

	"github.com/cob-systems/cob/internal/oid"
	"github.com/cob-systems/cob/internal/signing"
)

// Resolver answers whether data/sig was produced by a delegate of the
// identity rooted at identityCommit, as of revision. Implementations own
// both the delegate-set lookup and the signature check: the caller never
// learns which key among the delegate set matched.
type Resolver interface {
	VerifyDelegate(identityCommit oid.ID, revision int, data, sig []byte) (bool, error)
}

// Registry is an in-memory Resolver, keyed by identity commit hash and
// revision number, delegating the actual signature check to a
// signing.Verifier.
type Registry struct {
	mu        sync.RWMutex
	verifier  signing.Verifier
	delegates map[oid.ID]map[int][][]byte
}

// NewRegistry returns an empty Registry that checks signatures with
// verifier.
func NewRegistry(verifier signing.Verifier) *Registry {
	return &Registry{verifier: verifier, delegates: make(map[oid.ID]map[int][][]byte)}
}

// Delegate records pubKey as a delegate of identityCommit at revision.
func (r *Registry) Delegate(identityCommit oid.ID, revision int, pubKey []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.delegates[identityCommit] == nil {
		r.delegates[identityCommit] = make(map[int][][]byte)
	}
	r.delegates[identityCommit][revision] = append(r.delegates[identityCommit][revision], pubKey)
}

// IsDelegate reports whether pubKey is a registered delegate of
// identityCommit at revision, without checking any signature.
func (r *Registry) IsDelegate(identityCommit oid.ID, revision int, pubKey []byte) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range r.delegates[identityCommit][revision] {
		if string(k) == string(pubKey) {
			return true, nil
		}
	}
	return false, nil
}

// VerifyDelegate implements Resolver: it tries every key delegated at
// revision and reports whether any of them produced sig over data.
func (r *Registry) VerifyDelegate(identityCommit oid.ID, revision int, data, sig []byte) (bool, error) {
	r.mu.RLock()
	keys := r.delegates[identityCommit][revision]
	r.mu.RUnlock()
	for _, pub := range keys {
		if r.verifier.Verify(pub, data, sig) {
			return true, nil
		}
	}
	return false, nil
}
