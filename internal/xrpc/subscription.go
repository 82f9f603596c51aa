package xrpc

import (
	"net/http"
	"strconv"

	"github.com/mlsds/mlsds/internal/apierror"
	"github.com/mlsds/mlsds/internal/apiutil"
	"github.com/mlsds/mlsds/internal/middleware"
	"github.com/mlsds/mlsds/internal/serviceauth"
)

// subscriptionMethod is the lxm bound into a subscription ticket. It is
// distinct from the NSIDs mounted as routes: a ticket is presented as a
// query parameter to the SSE/WebSocket upgrade, which cannot carry a
// bearer Authorization header from a browser EventSource/WebSocket client.
const subscriptionMethod = "blue.catbird.mls.subscribe"

func (s *Server) getSubscriptionTicket(w http.ResponseWriter, r *http.Request) {
	device, err := callerDevice(r)
	if err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}

	ticket, err := s.Auth.Issue(device.UserDID, s.Config.Instance.ServiceDID, subscriptionMethod)
	if err != nil {
		apiutil.WriteError(w, s.Logger, apierror.Wrap(apierror.Internal, apierror.CodeInternal, "failed to issue subscription ticket", err))
		return
	}

	apiutil.WriteJSON(w, http.StatusOK, map[string]string{
		"ticket":   ticket,
		"sseUrl":   s.Config.Instance.SelfEndpoint + "/xrpc/blue.catbird.mls.subscribeSSE",
		"wsUrl":    s.Config.Instance.SelfEndpoint + "/xrpc/blue.catbird.mls.subscribeWS",
	})
}

// ticketFromQuery verifies the subscription ticket presented as a query
// parameter and returns the claims it was issued for, so callers can check
// the ticket holder's membership in the specific conversation they are
// requesting a stream for — a ticket only proves who is asking, not which
// conversations they may read.
func (s *Server) ticketFromQuery(r *http.Request) (*serviceauth.Claims, error) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		return nil, apierror.New(apierror.Auth, apierror.CodeAuthSignature, "missing subscription ticket")
	}
	return s.Auth.Verify(r.Context(), ticket, subscriptionMethod)
}

func (s *Server) subscribeSSE(w http.ResponseWriter, r *http.Request) {
	claims, err := s.ticketFromQuery(r)
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
	if err := s.Policy.CheckIngress(r.Context(), convoID, claims.Issuer, ""); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	var after int64
	if raw := r.URL.Query().Get("afterCursor"); raw != "" {
		after, _ = strconv.ParseInt(raw, 10, 64)
	}

	if err := s.Fanout.ServeSSE(w, r, convoID, after); err != nil {
		s.Logger.Warn("sse stream ended with error", "error", err, "convoId", convoID)
	}
}

func (s *Server) subscribeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := s.ticketFromQuery(r)
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
	if err := s.Policy.CheckIngress(r.Context(), convoID, claims.Issuer, ""); err != nil {
		apiutil.WriteError(w, s.Logger, err)
		return
	}
	var after int64
	if raw := r.URL.Query().Get("afterCursor"); raw != "" {
		after, _ = strconv.ParseInt(raw, 10, 64)
	}

	if err := s.Fanout.ServeWebSocket(w, r, convoID, after); err != nil {
		s.Logger.Warn("websocket stream ended with error", "error", err, "convoId", convoID)
	}
}
