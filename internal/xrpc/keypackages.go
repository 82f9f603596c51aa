package xrpc

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/models"
)

// wireKeyPackage is the JSON shape of a KeyPackage: its bytes travel as
// apiutil.Bytes ($bytes-wrapped base64) rather than models.KeyPackage's own
// json:"-" Bytes field.
type wireKeyPackage struct {
	ContentHash string        `json:"contentHash,omitempty"`
	CipherSuite string        `json:"cipherSuite"`
	Bytes       apiutil.Bytes `json:"bytes"`
	ExpiresAt   time.Time     `json:"expiresAt"`
}

type publishKeyPackagesRequest struct {
	DeviceID string           `json:"deviceId"`
	Packages []wireKeyPackage `json:"keyPackages"`
}

func (s *Server) publishKeyPackages(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req publishKeyPackagesRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = device.DeviceID
	}

	packages := make([]models.KeyPackage, 0, len(req.Packages))
	for _, p := range req.Packages {
		packages = append(packages, models.KeyPackage{
			CipherSuite: p.CipherSuite,
			Bytes:       []byte(p.Bytes),
			ExpiresAt:   p.ExpiresAt,
		})
	}

	accepted, err := s.KeyPackages.Publish(r.Context(), device.UserDID, req.DeviceID, packages)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]int{"accepted": accepted})
}

func (s *Server) getKeyPackages(w http.ResponseWriter, r *http.Request) {
	userDID := r.URL.Query().Get("userDid")
	if userDID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "userDid is required"))
		return
	}
	count := 1
	if raw := r.URL.Query().Get("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}

	packages, err := s.KeyPackages.FetchAvailable(r.Context(), userDID, count)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	out := make([]wireKeyPackage, 0, len(packages))
	for _, p := range packages {
		out = append(out, wireKeyPackage{ContentHash: p.ContentHash, CipherSuite: p.CipherSuite, Bytes: p.Bytes, ExpiresAt: p.ExpiresAt})
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"keyPackages": out})
}

func (s *Server) getKeyPackageStatus(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	status, err := s.KeyPackages.Status(r.Context(), device.UserDID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, status)
}
