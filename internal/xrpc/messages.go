package xrpc

import (
	"net/http"
	"strconv"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/middleware"
	"github.com/mlsds/mlsds/internal/models"
)

type sendMessageRequest struct {
	ConvoID    string        `json:"convoId"`
	Epoch      int64         `json:"epoch"`
	Ciphertext apiutil.Bytes `json:"ciphertext"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	s.sendEnvelope(w, r, models.KindApplication)
}

func (s *Server) sendEphemeral(w http.ResponseWriter, r *http.Request) {
	s.sendEnvelope(w, r, models.KindEphemeralSignal)
}

// sendEnvelope backs both sendMessage and sendEphemeral: the DS treats both
// kinds as opaque ciphertext ), differing only in the
// envelope kind tag clients use to distinguish them on the wire.
func (s *Server) sendEnvelope(w http.ResponseWriter, r *http.Request, kind models.EnvelopeKind) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req sendMessageRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.ConvoID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId is required"))
		return
	}
	middleware.SetConvoID(r.Context(), req.ConvoID)

	if err := s.Policy.CheckIngress(r.Context(), req.ConvoID, device.UserDID, ""); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	recipients, err := s.Store.ActiveMemberUserDIDs(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	envelope, err := s.Store.AppendEnvelope(r.Context(), req.ConvoID, device.UserDID, kind, req.Epoch, []byte(req.Ciphertext), recipients)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	if err := s.Fanout.PublishEnvelope(r.Context(), envelope); err != nil {
		s.Logger.Error("failed to publish envelope for fan-out", "error", err, "convoId", req.ConvoID)
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"envelopeId": envelope.EnvelopeID, "cursor": envelope.SequenceCursor})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId is required"))
		return
	}
	middleware.SetConvoID(r.Context(), convoID)
	if err := s.Policy.CheckIngress(r.Context(), convoID, device.UserDID, ""); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var after int64
	if raw := r.URL.Query().Get("afterCursor"); raw != "" {
		after, _ = strconv.ParseInt(raw, 10, 64)
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	envelopes, err := s.Fanout.CatchUp(r.Context(), convoID, after, limit)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	out := make([]map[string]any, 0, len(envelopes))
	for _, e := range envelopes {
		out = append(out, map[string]any{
			"envelopeId": e.EnvelopeID,
			"senderDid":  e.SenderDID,
			"kind":       e.Kind,
			"epoch":      e.Epoch,
			"cursor":     e.SequenceCursor,
			"ciphertext": apiutil.Bytes(e.Ciphertext),
			"createdAt":  e.CreatedAt,
		})
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"envelopes": out})
}

type updateCursorRequest struct {
	ConvoID string `json:"convoId"`
	Cursor  int64  `json:"cursor"`
}

func (s *Server) updateCursor(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req updateCursorRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}

	if err := s.Store.UpdateCursor(r.Context(), req.ConvoID, device.UserDID, device.DeviceID, req.Cursor); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteNoContent(w)
}
