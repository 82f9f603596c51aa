// Package serviceauth issues and verifies the bearer tokens that authenticate
// every mutating request — both a client device acting on its own DID and
// one delivery service acting on behalf of another (component B). Tokens are
// JWTs: claims {iss, aud, exp, iat, jti, lxm=NSID}, signed with the
// configured asymmetric key. golang-jwt/v5 is present only as an indirect
// dependency in the teacher corpus (amityvox/go.mod); this is the one real
// home it never got there.
package serviceauth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/cache"
	"github.com/mlsds/mlsds/internal/identity"
)

// DefaultTokenTTL is the maximum lifetime of an issued token (spec: exp<=120s).
const DefaultTokenTTL = 120 * time.Second

// DefaultReplayWindow is how long a seen jti is remembered to reject replays.
const DefaultReplayWindow = 5 * time.Minute

// Claims is the token payload. method (lxm) binds the token to one NSID;
// presenting it against any other endpoint fails verification.
type Claims struct {
	jwt.RegisteredClaims
	Method string `json:"lxm"`
}

// KeyResolver supplies the verification key for a claimed issuer DID. In
// production this is backed by *identity.Resolver; in HMAC test mode it is
// not consulted at all.
type KeyResolver interface {
	PublicKey(ctx context.Context, issuerDID string) (ed25519.PublicKey, error)
}

// Service issues and verifies service-auth tokens for this instance.
type Service struct {
	selfDID    string
	signingKey ed25519.PrivateKey
	keys       KeyResolver
	replaySeen *cache.TTLCache[struct{}]

	// hmacSecret, when non-empty, switches to symmetric HMAC signing for
	// test-mode deployments (spec section 6: JWT_SECRET, "test only").
	hmacSecret []byte
}

// New constructs a Service that signs with an Ed25519 key and verifies peers
// via keys. selfDID is this instance's own DID, used as the audience check
// on inbound tokens.
func New(selfDID string, signingKey ed25519.PrivateKey, keys KeyResolver) *Service {
	return &Service{
		selfDID:    selfDID,
		signingKey: signingKey,
		keys:       keys,
		replaySeen: cache.New[struct{}](DefaultReplayWindow, 100_000),
	}
}

// NewHMAC constructs a test-mode Service that signs and verifies with a
// shared secret instead of asymmetric keys (spec: JWT_SECRET).
func NewHMAC(selfDID string, secret []byte) *Service {
	return &Service{
		selfDID:    selfDID,
		hmacSecret: secret,
		replaySeen: cache.New[struct{}](DefaultReplayWindow, 100_000),
	}
}

// Issue mints a token asserting issuerDID is calling method on audienceDID.
func (s *Service) Issue(issuerDID, audienceDID, method string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerDID,
			Audience:  jwt.ClaimStrings{audienceDID},
			ExpiresAt: jwt.NewNumericDate(now.Add(DefaultTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        identity.Canonicalize(issuerDID) + ":" + now.Format(time.RFC3339Nano),
		},
		Method: method,
	}

	if s.hmacSecret != nil {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		return tok.SignedString(s.hmacSecret)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return tok.SignedString(s.signingKey)
}

// Verify checks a token against the expected audience (this instance) and
// method (the NSID being called), enforcing expiry and replay protection.
// Fails with AuthExpired, AuthBadAudience, AuthBadMethod, AuthReplayed, or
// AuthSignature per the error kinds in apierror.
func (s *Service) Verify(ctx context.Context, tokenString, expectedMethod string) (*Claims, error) {
	var claims Claims

	keyFunc := func(t *jwt.Token) (any, error) {
		if s.hmacSecret != nil {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return s.hmacSecret, nil
		}
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, errors.New("unexpected signing method")
		}
		unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
		if err != nil {
			return nil, err
		}
		issuer, err := unverified.Claims.GetIssuer()
		if err != nil || issuer == "" {
			return nil, errors.New("missing issuer")
		}
		return s.keys.PublicKey(ctx, issuer)
	}

	_, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc,
		jwt.WithValidMethods([]string{"EdDSA", "HS256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apierror.New(apierror.Auth, apierror.CodeAuthExpired, "token expired")
		}
		return nil, apierror.Wrap(apierror.Auth, apierror.CodeAuthSignature, "token signature invalid", err)
	}

	audienceOK := false
	for _, aud := range claims.Audience {
		if aud == s.selfDID {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		return nil, apierror.New(apierror.Auth, apierror.CodeAuthBadAudience, "token audience mismatch")
	}
	if claims.Method != expectedMethod {
		return nil, apierror.New(apierror.Auth, apierror.CodeAuthBadMethod, "token method mismatch")
	}
	if claims.ID == "" {
		return nil, apierror.New(apierror.Auth, apierror.CodeAuthSignature, "token missing jti")
	}
	if _, seen := s.replaySeen.Get(claims.ID); seen {
		return nil, apierror.New(apierror.Auth, apierror.CodeAuthReplayed, "token already used")
	}
	ttl := DefaultReplayWindow
	if exp := claims.ExpiresAt; exp != nil {
		if remaining := time.Until(exp.Time); remaining > 0 && remaining < ttl {
			ttl = remaining
		}
	}
	s.replaySeen.SetTTL(claims.ID, struct{}{}, ttl)

	return &claims, nil
}
