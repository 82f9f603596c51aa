package xrpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/keypackage"
	"github.com/mlsds/mlsds/internal/models"
	"github.com/mlsds/mlsds/internal/transfer"
)

type deliverEnvelopeRequest struct {
	ConvoID    string        `json:"convoId"`
	SenderDID  string        `json:"senderDid"`
	Epoch      int64         `json:"epoch"`
	Ciphertext apiutil.Bytes `json:"ciphertext"`
	Recipients []string      `json:"recipients"`
}

// dsDeliverMessage accepts an application-message envelope forwarded by a
// peer delivery service on behalf of one of that peer's users, addressed to
// one or more of this instance's local members. The peer's own service-auth
// token authorizes the forward; policy.CheckIngress's onBehalfOfPeer
// carve-out skips the usual local-membership check on the asserted sender.
func (s *Server) dsDeliverMessage(w http.ResponseWriter, r *http.Request) {
	s.dsDeliverEnvelope(w, r, models.KindApplication)
}

func (s *Server) dsDeliverWelcome(w http.ResponseWriter, r *http.Request) {
	s.dsDeliverEnvelope(w, r, models.KindWelcome)
}

func (s *Server) dsDeliverEnvelope(w http.ResponseWriter, r *http.Request, kind models.EnvelopeKind) {
	peerDID, err := callerPeerDID(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req deliverEnvelopeRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.ConvoID == "" || req.SenderDID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId and senderDid are required"))
		return
	}

	if err := s.Policy.CheckIngress(r.Context(), req.ConvoID, req.SenderDID, peerDID); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	envelope, err := s.Store.AppendEnvelope(r.Context(), req.ConvoID, req.SenderDID, kind, req.Epoch, []byte(req.Ciphertext), req.Recipients)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	if err := s.Fanout.PublishEnvelope(r.Context(), envelope); err != nil {
		s.Logger.Error("failed to publish forwarded envelope for fan-out", "error", err, "convoId", req.ConvoID)
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"envelopeId": envelope.EnvelopeID, "cursor": envelope.SequenceCursor})
}

// dsSubmitCommit is the receiving half of commitGroupChange's forwarding
// path: the instance named as a conversation's sequencer accepts a commit a
// peer relayed on a local caller's behalf.
func (s *Server) dsSubmitCommit(w http.ResponseWriter, r *http.Request) {
	if _, err := callerPeerDID(r); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "could not read request body"))
		return
	}
	var req commitGroupChangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "invalid request body"))
		return
	}
	if req.ConvoID == "" || req.CommitHash == "" || req.SenderDID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId, commitHash, and senderDid are required"))
		return
	}

	convo, err := s.Store.GetConversation(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	if convo.SequencerDID != s.Config.Instance.ServiceDID {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Conflict, apierror.CodeNotSequencer,
			"this instance is not the conversation's current sequencer").
			WithContext("currentSequencer", convo.SequencerDID))
		return
	}

	hashes := make([]string, 0, len(req.AddedMembers))
	for _, m := range req.AddedMembers {
		hashes = append(hashes, m.KeyPackageHash)
	}
	holderToken := req.ConvoID + ":" + req.CommitHash
	if len(hashes) > 0 {
		ok, err := s.KeyPackages.ReserveSpecific(r.Context(), hashes, holderToken, keypackage.DefaultReservationTTL)
		if err != nil {
			apiutil.WriteError(w, s.Logger, err)
			return
		}
		if !ok {
			apiutil.WriteError(w, s.Logger, apierror.New(apierror.Conflict, apierror.CodeKeyPackageGone,
				"one or more key packages are no longer available"))
			return
		}
	}

	outcome, err := s.Sequencer.AcceptCommit(r.Context(), req.toCommitRequest(req.SenderDID))
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{
		"newEpoch":   outcome.NewEpoch,
		"envelopeId": outcome.EnvelopeID,
		"cursor":     outcome.Cursor,
	})
}

func (s *Server) dsFetchKeyPackage(w http.ResponseWriter, r *http.Request) {
	if _, err := callerPeerDID(r); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req struct {
		UserDID string `json:"userDid"`
		Count   int    `json:"count"`
	}
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	packages, err := s.KeyPackages.FetchAvailable(r.Context(), req.UserDID, req.Count)
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

type transferSequencerRequest struct {
	ConvoID             string `json:"convoId"`
	CurrentSequencerDID string `json:"currentSequencerDid"`
	TargetSequencerDID  string `json:"targetSequencerDid"`
	AtEpoch             int64  `json:"atEpoch"`
}

func (s *Server) dsTransferSequencer(w http.ResponseWriter, r *http.Request) {
	peerDID, err := callerPeerDID(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	var req transferSequencerRequest
	if !apiutil.DecodeJSON(w, s.Logger, r, &req) {
		return
	}

	outcome, err := s.Transfer.Accept(r.Context(), transfer.Request{
		ConvoID:             req.ConvoID,
		CallerDID:           peerDID,
		CurrentSequencerDID: req.CurrentSequencerDID,
		TargetSequencerDID:  req.TargetSequencerDID,
		AtEpoch:             req.AtEpoch,
	})
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{"sequencerDid": outcome.SequencerDID, "epoch": outcome.Epoch})
}

func (s *Server) dsHealthCheck(w http.ResponseWriter, r *http.Request) {
	apiutil.WriteJSONRaw(w, http.StatusOK, map[string]string{"status": "ok", "serviceDid": s.Config.Instance.ServiceDID})
}

// resolveDeliveryService projects an identity.Record down to the fields a
// federation partner needs to reach and trust this instance, omitting the
// signing key itself (grounded on the original's
// resolve_delivery_service.rs ResolveDeliveryServiceOutput shape).
func (s *Server) resolveDeliveryService(w http.ResponseWriter, r *http.Request) {
	did := r.URL.Query().Get("did")
	if did == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "did is required"))
		return
	}

	record, err := s.Identity.Resolve(r.Context(), did)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{
		"did":                   did,
		"endpoint":              record.Endpoint,
		"supportedCipherSuites": record.SupportedCipherSuites,
	})
}
