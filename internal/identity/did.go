// Package identity implements DID/device parsing and the identity resolver
// (component A): DID -> (service endpoint, signing key, supported
// ciphersuites), cached with TTL. The bijection between a device DID and its
// (user_did, device_id) parts follows the original delivery service's
// device_utils.rs exactly: device_did = "did:<method>:<id>#<device-uuid>",
// with the bare form for single-device legacy identities.
package identity

import (
	"strings"
)

// Device is the parsed form of a device DID: a user identity plus an
// optional device component. DeviceID is empty for the bare, single-device
// legacy form.
type Device struct {
	UserDID  string
	DeviceID string
}

// ParseDevice splits a device DID of the form "did:method:id#device-uuid"
// into its user and device parts. A DID with no "#" is the bare, single
// device legacy form and parses to an empty DeviceID. Parsing is lossless:
// Construct(ParseDevice(x)) == x for every non-empty-segment input.
func ParseDevice(deviceDID string) (Device, bool) {
	userPart, devicePart, hasFragment := strings.Cut(deviceDID, "#")
	if !hasFragment {
		if userPart == "" {
			return Device{}, false
		}
		return Device{UserDID: userPart}, true
	}
	if userPart == "" || devicePart == "" {
		return Device{}, false
	}
	return Device{UserDID: userPart, DeviceID: devicePart}, true
}

// Construct renders a Device back into its canonical DID string. An empty
// DeviceID canonicalizes to the bare form.
func Construct(d Device) string {
	if d.DeviceID == "" {
		return d.UserDID
	}
	return d.UserDID + "#" + d.DeviceID
}

// Canonicalize strips a trailing "#fragment" for equivalence checks, so
// did:web:x#svc and did:web:x compare equal when used as a federation peer
// identity rather than a device identity.
func Canonicalize(did string) string {
	if user, _, ok := strings.Cut(did, "#"); ok {
		return user
	}
	return did
}
