package xrpc

import (
	"context"
	"net/http"
	"strings"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/identity"
	"github.com/mlsds/mlsds/internal/middleware"
	"github.com/mlsds/mlsds/internal/serviceauth"
)

type ctxKey string

const claimsCtxKey ctxKey = "serviceauth_claims"

// requireAuth returns middleware that verifies the bearer token's signature,
// audience, lxm-bound method, and replay state (component B), then attaches
// the verified claims to the request context. method is the NSID the route
// it wraps implements; a token minted for a different method is rejected
// even if otherwise valid "lxm binding is mandatory on
// all mutating endpoints").
func (s *Server) requireAuth(method string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				apiutil.WriteError(w, s.Logger, apierror.New(apierror.Auth, apierror.CodeAuthSignature, "missing bearer token"))
				return
			}

			claims, err := s.Auth.Verify(r.Context(), token, method)
			if err != nil {
				apiutil.WriteError(w, s.Logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsCtxKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsFrom returns the verified claims requireAuth attached to r's
// context. Only called from handlers mounted behind requireAuth, so ok is
// always true there; it is returned anyway rather than panicking, so a
// route mounted without auth by mistake fails as a 401 instead of a crash.
func claimsFrom(r *http.Request) (*serviceauth.Claims, bool) {
	claims, ok := r.Context().Value(claimsCtxKey).(*serviceauth.Claims)
	return claims, ok
}

// callerDevice parses the verified token's issuer as a device DID. Most
// core endpoints are called by a specific device acting for its own user;
// federation endpoints instead use callerPeerDID.
func callerDevice(r *http.Request) (identity.Device, error) {
	claims, ok := claimsFrom(r)
	if !ok {
		return identity.Device{}, apierror.New(apierror.Auth, apierror.CodeAuthSignature, "request is missing verified auth claims")
	}
	device, ok := identity.ParseDevice(claims.Issuer)
	if !ok {
		return identity.Device{}, apierror.New(apierror.Validation, apierror.CodeInvalidDID, "token issuer is not a valid device DID")
	}
	middleware.SetDeviceID(r.Context(), device.DeviceID)
	return device, nil
}

// callerPeerDID returns the issuer of a federation request's token: the
// peer delivery service asserting it, not a user device.
func callerPeerDID(r *http.Request) (string, error) {
	claims, ok := claimsFrom(r)
	if !ok {
		return "", apierror.New(apierror.Auth, apierror.CodeAuthSignature, "request is missing verified auth claims")
	}
	return identity.Canonicalize(claims.Issuer), nil
}
