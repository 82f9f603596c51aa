package dispatch

import (
	"context"
	"io/ioutil"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mlsds/mlsds/internal/identity"
	"github.com/mlsds/mlsds/internal/models"
)

type fakePeerStore struct {
	mu    sync.Mutex
	peers map[string]models.FederationPeer
}

func newFakePeerStore(endpoint string) *fakePeerStore {
	return &fakePeerStore{peers: map[string]models.FederationPeer{
		"did:web:peer.example": {PeerDID: "did:web:peer.example", Endpoint: endpoint, TrustState: models.TrustAllowed},
	}}
}

func (f *fakePeerStore) GetPeer(ctx context.Context, peerDID string) (models.FederationPeer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[peerDID], nil
}

func (f *fakePeerStore) UpdatePeerTrust(ctx context.Context, peerDID string, state models.TrustState, budget int, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.peers[peerDID]
	p.TrustState = state
	p.FailureBudget = budget
	f.peers[peerDID] = p
	return nil
}

type fakeIssuer struct{}

func (fakeIssuer) Issue(iss, aud, method string) (string, error) { return "test-token", nil }

type fakeDirectory struct{ endpoint string }

func (f fakeDirectory) Lookup(ctx context.Context, did string) (identity.Record, bool, error) {
	return identity.Record{Endpoint: f.endpoint, SigningKeyPEM: "x"}, true, nil
}

func TestValidateFederationDomainRejectsLocal(t *testing.T) {
	u := mustParseURL("http://localhost:8080/x")
	if err := validateFederationDomain(u); err == nil {
		t.Fatal("expected localhost to be rejected")
	}
}

func TestValidateFederationDomainRejectsInternal(t *testing.T) {
	u := mustParseURL("http://svc.internal/x")
	if err := validateFederationDomain(u); err == nil {
		t.Fatal("expected .internal to be rejected")
	}
}

func TestSendSucceedsAndKeepsAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := ioutil.ReadAll(r.Body)
		w.Write(b)
	}))
	defer srv.Close()

	peers := newFakePeerStore(srv.URL)
	resolver := identity.NewResolver(fakeDirectory{endpoint: srv.URL}, time.Hour, nil)
	d := New("did:web:self.example", resolver, peers, fakeIssuer{}, DefaultConfig(), slog.Default())

	out, err := d.Send(context.Background(), "did:web:peer.example", "blue.catbird.mls.ds.healthCheck", []byte(`{}`))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(out) != "{}" {
		t.Fatalf("unexpected body: %s", out)
	}

	p, _ := peers.GetPeer(context.Background(), "did:web:peer.example")
	if p.TrustState != models.TrustAllowed {
		t.Fatalf("expected Allowed, got %s", p.TrustState)
	}
}

func TestSendDemotesToProbationAfterFailureBurst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	peers := newFakePeerStore(srv.URL)
	resolver := identity.NewResolver(fakeDirectory{endpoint: srv.URL}, time.Hour, nil)
	cfg := DefaultConfig()
	cfg.MaxRetries = 0
	cfg.FailureBurst = 2
	d := New("did:web:self.example", resolver, peers, fakeIssuer{}, cfg, slog.Default())

	for i := 0; i < 2; i++ {
		if _, err := d.Send(context.Background(), "did:web:peer.example", "blue.catbird.mls.ds.healthCheck", []byte(`{}`)); err == nil {
			t.Fatal("expected error from 500 response")
		}
	}

	p, _ := peers.GetPeer(context.Background(), "did:web:peer.example")
	if p.TrustState != models.TrustProbation {
		t.Fatalf("expected Probation after failure burst, got %s", p.TrustState)
	}
}
