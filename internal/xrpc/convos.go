package xrpc

import (
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/models"
)

type createConvoRequest struct {
	AllowExternalCommits     bool `json:"allowExternalCommits"`
	PreventRemovingLastAdmin bool `json:"preventRemovingLastAdmin"`
	MaxMembers               int  `json:"maxMembers"`
}

// createConvo creates a conversation with this instance as its initial
// sequencer and the caller as its first admin member. A conversation only
// moves to a different authoritative DS later, via ds.transferSequencer.
func (s *Server) createConvo(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req createConvoRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}

	convo := models.Conversation{
		ID:         ulid.Make().String(),
		CreatorDID: device.UserDID,
		SequencerDID: s.Config.Instance.ServiceDID,
		Policy: models.ConvoPolicy{
			AllowExternalCommits:     req.AllowExternalCommits,
			PreventRemovingLastAdmin: req.PreventRemovingLastAdmin,
			MaxMembers:               req.MaxMembers,
		},
	}

	if err := s.Store.CreateConversation(r.Context(), convo, device.DeviceID); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusCreated, map[string]string{"id": convo.ID})
}

func (s *Server) getConvos(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	convos, err := s.Store.ListConversations(r.Context(), device.UserDID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"conversations": convos})
}

type updateConvoRequest struct {
	ConvoID                  string `json:"convoId"`
	AllowExternalCommits     bool   `json:"allowExternalCommits"`
	PreventRemovingLastAdmin bool   `json:"preventRemovingLastAdmin"`
	MaxMembers               int    `json:"maxMembers"`
}

func (s *Server) updateConvo(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req updateConvoRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.ConvoID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId is required"))
		return
	}

	isAdmin, err := s.Store.IsAdmin(r.Context(), req.ConvoID, device.UserDID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	if !isAdmin {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Policy, apierror.CodeNotAdmin, "updating conversation policy requires admin rights"))
		return
	}

	policy := models.ConvoPolicy{
		AllowExternalCommits:     req.AllowExternalCommits,
		PreventRemovingLastAdmin: req.PreventRemovingLastAdmin,
		MaxMembers:               req.MaxMembers,
	}
	if err := s.Store.UpdateConvoPolicy(r.Context(), req.ConvoID, policy); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

type leaveConvoRequest struct {
	ConvoID string `json:"convoId"`
}

func (s *Server) leaveConvo(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req leaveConvoRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if err := s.Store.LeaveConversation(r.Context(), req.ConvoID, device.UserDID); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}

func (s *Server) getConvoSettings(w http.ResponseWriter, r *http.Request) {
	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId is required"))
		return
	}

	convo, err := s.Store.GetConversation(r.Context(), convoID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, convo)
}
