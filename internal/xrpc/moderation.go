package xrpc

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
)

func (s *Server) optIn(w http.ResponseWriter, r *http.Request) {
	s.setOptIn(w, r, true)
}

func (s *Server) optOut(w http.ResponseWriter, r *http.Request) {
	s.setOptIn(w, r, false)
}

func (s *Server) setOptIn(w http.ResponseWriter, r *http.Request, optedIn bool) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	if err := s.Store.SetOptIn(r.Context(), device.UserDID, optedIn); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) getOptInStatus(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	userDID := r.URL.Query().Get("userDid")
	if userDID == "" {
		userDID = device.UserDID
	}

	optedIn, err := s.Store.IsOptedIn(r.Context(), userDID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]bool{"optedIn": optedIn})
}

type checkBlocksRequest struct {
	TargetDID string `json:"targetDid"`
	Blocked   bool   `json:"blocked"`
}

func (s *Server) checkBlocks(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req checkBlocksRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.TargetDID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "targetDid is required"))
		return
	}

	if err := s.Store.SetBlock(r.Context(), device.UserDID, req.TargetDID, req.Blocked); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) getBlockStatus(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	target := r.URL.Query().Get("targetDid")
	if target == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "targetDid is required"))
		return
	}

	blocked, err := s.Store.HasMutualBlock(r.Context(), device.UserDID, target)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]bool{"blocked": blocked})
}

type reportRequest struct {
	SubjectDID string `json:"subjectDid"`
	ConvoID    string `json:"convoId,omitempty"`
	EnvelopeID string `json:"envelopeId,omitempty"`
	Reason     string `json:"reason"`
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req reportRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.SubjectDID == "" || req.Reason == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "subjectDid and reason are required"))
		return
	}

	id := ulid.Make().String()
	if err := s.Store.CreateReport(r.Context(), id, device.UserDID, req.SubjectDID, req.ConvoID, req.EnvelopeID, req.Reason); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) getReports(w http.ResponseWriter, r *http.Request) {
	subjectDID := r.URL.Query().Get("subjectDid")
	if subjectDID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "subjectDid is required"))
		return
	}

	reports, err := s.Store.ListReportsAgainst(r.Context(), subjectDID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"reports": reports})
}
