package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"time"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/cache"
)

// Record is what a DID resolves to: where to reach its delivery service,
// what key to verify its signatures against, and which MLS ciphersuites its
// devices support.
type Record struct {
	Endpoint              string
	SigningKeyPEM         string
	SupportedCipherSuites []string
}

// Directory is the identity-directory lookup this service consumes as an
// external collaborator (spec section 1 places the directory itself out of
// scope). Any implementation — an AT-Proto PLC/DID-web resolver, a static
// federation allowlist, a test double — satisfies this single method.
type Directory interface {
	Lookup(ctx context.Context, did string) (Record, bool, error)
}

// Resolver wraps a Directory with a TTL cache and the canonicalization rule
// that a DID's #fragment is stripped before lookup, so did:web:x#svc and
// did:web:x resolve to the same record.
type Resolver struct {
	dir            Directory
	cache          *cache.TTLCache[Record]
	defaultRecord  *Record
	defaultPresent bool
}

// NewResolver builds a Resolver with the given TTL (spec default one hour).
// defaultRecord, if non-nil, is used when the directory has no record for a
// DID (e.g. DEFAULT_DS_ENDPOINT for federation partners without a published
// profile record).
func NewResolver(dir Directory, ttl time.Duration, defaultRecord *Record) *Resolver {
	r := &Resolver{
		dir:   dir,
		cache: cache.New[Record](ttl, 10_000),
	}
	if defaultRecord != nil {
		r.defaultRecord = defaultRecord
		r.defaultPresent = true
	}
	return r
}

// Resolve looks up a DID's delivery-service record, preferring the TTL
// cache. Fails with ResolutionUnknown when there is no record and no default
// endpoint configured, or ResolutionMalformed when the directory returned an
// invalid record.
func (r *Resolver) Resolve(ctx context.Context, did string) (Record, error) {
	key := Canonicalize(did)

	if rec, ok := r.cache.Get(key); ok {
		return rec, nil
	}

	rec, found, err := r.dir.Lookup(ctx, key)
	if err != nil {
		return Record{}, apierror.Wrap(apierror.Federation, apierror.CodeResolutionUnknown,
			"identity directory lookup failed", err)
	}
	if !found {
		if r.defaultPresent {
			r.cache.Set(key, *r.defaultRecord)
			return *r.defaultRecord, nil
		}
		return Record{}, apierror.New(apierror.NotFound, apierror.CodeResolutionUnknown,
			"no delivery-service record for "+key)
	}
	if rec.Endpoint == "" || rec.SigningKeyPEM == "" {
		return Record{}, apierror.New(apierror.Validation, apierror.CodeResolutionMalformed,
			"delivery-service record for "+key+" is malformed")
	}

	r.cache.Set(key, rec)
	return rec, nil
}

// Invalidate drops a cached record, used after RefreshPeerKeys-style events
// or when a federation handshake reports a key rotation.
func (r *Resolver) Invalidate(did string) {
	r.cache.Invalidate(Canonicalize(did))
}

// PublicKey resolves issuerDID's record and decodes its PEM-encoded
// Ed25519 public key, implementing internal/serviceauth.KeyResolver without
// either package importing the other's interface type.
func (r *Resolver) PublicKey(ctx context.Context, issuerDID string) (ed25519.PublicKey, error) {
	rec, err := r.Resolve(ctx, issuerDID)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(rec.SigningKeyPEM))
	if block == nil {
		return nil, apierror.New(apierror.Validation, apierror.CodeResolutionMalformed,
			"signing key for "+issuerDID+" is not valid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, apierror.Wrap(apierror.Validation, apierror.CodeResolutionMalformed,
			"signing key for "+issuerDID+" could not be parsed", err)
	}
	key, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, apierror.New(apierror.Validation, apierror.CodeResolutionMalformed,
			"signing key for "+issuerDID+" is not an Ed25519 key")
	}
	return key, nil
}
