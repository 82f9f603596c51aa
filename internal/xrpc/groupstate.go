package xrpc

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/keypackage"
	"github.com/mlsds/mlsds/internal/middleware"
	"github.com/mlsds/mlsds/internal/sequencer"
)

type wireAddedMember struct {
	UserDID        string `json:"userDid"`
	DeviceID       string `json:"deviceId"`
	KeyPackageHash string `json:"keyPackageHash"`
}

// commitGroupChangeRequest is the wire shape of every action variant
// (addMembers, externalCommit, rejoin, readdition); the action discriminator
// only changes which fields are populated, not the envelope.
type commitGroupChangeRequest struct {
	ConvoID string `json:"convoId"`
	Action  string `json:"action"`
	// SenderDID is populated by the xrpc layer before a commit is forwarded
	// to its conversation's actual sequencer (ds.submitCommit), so the
	// receiving instance can attribute the resulting envelope to the
	// original caller rather than the forwarding peer.
	SenderDID      string            `json:"senderDid,omitempty"`
	ExpectedEpoch  int64             `json:"expectedEpoch"`
	CommitBytes    apiutil.Bytes     `json:"commitBytes"`
	CommitHash     string            `json:"commitHash"`
	WelcomeBytes   apiutil.Bytes     `json:"welcomeBytes,omitempty"`
	AddedMembers   []wireAddedMember `json:"addedMembers,omitempty"`
	RemovedMembers []string          `json:"removedMembers,omitempty"`
	GroupInfo      apiutil.Bytes     `json:"groupInfo,omitempty"`
	GroupInfoEpoch int64             `json:"groupInfoEpoch,omitempty"`
}

func (req commitGroupChangeRequest) toCommitRequest(senderDevice string) sequencer.CommitRequest {
	added := make([]sequencer.AddedMember, 0, len(req.AddedMembers))
	for _, m := range req.AddedMembers {
		added = append(added, sequencer.AddedMember{UserDID: m.UserDID, DeviceID: m.DeviceID, KeyPackageHash: m.KeyPackageHash})
	}
	return sequencer.CommitRequest{
		ConvoID:        req.ConvoID,
		SenderDevice:   senderDevice,
		ExpectedEpoch:  req.ExpectedEpoch,
		CommitBytes:    []byte(req.CommitBytes),
		CommitHash:     req.CommitHash,
		WelcomeBytes:   []byte(req.WelcomeBytes),
		AddedMembers:   added,
		RemovedMembers: req.RemovedMembers,
		GroupInfo:      []byte(req.GroupInfo),
		GroupInfoEpoch: req.GroupInfoEpoch,
	}
}

// commitGroupChange implements this service's accept-commit flow with
// the non-authoritative-write forwarding this service requires: a
// commit against a conversation this instance does not currently sequence
// is forwarded to the conversation's actual sequencer rather than rejected.
func (s *Server) commitGroupChange(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
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
	if req.ConvoID == "" || req.CommitHash == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId and commitHash are required"))
		return
	}
	middleware.SetConvoID(r.Context(), req.ConvoID)

	convo, err := s.Store.GetConversation(r.Context(), req.ConvoID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	if convo.SequencerDID != s.Config.Instance.ServiceDID {
		req.SenderDID = device.UserDID
		forwardBody, err := json.Marshal(req)
		if err != nil {
			apiutil.WriteError(w, s.Logger, apierror.Internalf(err, "re-marshaling commit for forwarding"))
			return
		}
		resp, err := s.Dispatcher.Send(r.Context(), convo.SequencerDID, "blue.catbird.mls.ds.submitCommit", forwardBody)
		if err != nil {
			apiutil.WriteError(w, s.Logger, err)
			return
		}
		apiutil.WriteJSONRaw(w, http.StatusOK, json.RawMessage(resp))
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

	outcome, err := s.Sequencer.AcceptCommit(r.Context(), req.toCommitRequest(device.UserDID))
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

func (s *Server) getGroupState(w http.ResponseWriter, r *http.Request) {
	convoID := r.URL.Query().Get("convoId")
	if convoID == "" {
		apiutil.WriteError(w, s.Logger, apierror.New(apierror.Validation, apierror.CodeBadRequest, "convoId is required"))
		return
	}
	middleware.SetConvoID(r.Context(), convoID)

	groupInfo, epoch, err := s.Store.GetGroupInfo(r.Context(), convoID)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	apiutil.WriteJSON(w, http.StatusOK, map[string]any{
		"groupInfo": apiutil.Bytes(groupInfo),
		"epoch":     epoch,
	})
}
