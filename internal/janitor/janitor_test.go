package janitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeStore struct {
	expiredCalls, consumedCalls, staleCalls, limitCalls, ackCalls, messageCalls, eventLogCalls int
}

func (f *fakeStore) DeleteExpiredKeyPackages(ctx context.Context) (int64, error) {
	f.expiredCalls++
	return 1, nil
}
func (f *fakeStore) DeleteConsumedKeyPackages(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.consumedCalls++
	return 0, nil
}
func (f *fakeStore) DeleteStaleUnconsumedKeyPackages(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.staleCalls++
	return 0, nil
}
func (f *fakeStore) EnforceKeyPackageLimit(ctx context.Context, maxPerDevice int) (int64, error) {
	f.limitCalls++
	return 0, nil
}
func (f *fakeStore) DeleteOldDeliveryAcks(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.ackCalls++
	return 0, nil
}
func (f *fakeStore) CompactMessages(ctx context.Context, messageTTL, welcomeConsumedTTL time.Duration) (int64, error) {
	f.messageCalls++
	return 0, nil
}
func (f *fakeStore) CompactEventLog(ctx context.Context, olderThan time.Duration) (int64, error) {
	f.eventLogCalls++
	return 0, nil
}

func TestRunSweepCallsEveryStepOnce(t *testing.T) {
	store := &fakeStore{}
	j := New(store, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	j.runSweep(context.Background())

	if store.expiredCalls != 1 || store.consumedCalls != 1 || store.staleCalls != 1 || store.limitCalls != 1 || store.ackCalls != 1 || store.messageCalls != 1 || store.eventLogCalls != 1 {
		t.Fatalf("expected every sweep step called exactly once, got %+v", store)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.SweepInterval != DefaultSweepInterval {
		t.Errorf("expected default sweep interval, got %v", cfg.SweepInterval)
	}
	if cfg.MaxKeyPackagesPerDevice != 200 {
		t.Errorf("expected default max per device 200, got %d", cfg.MaxKeyPackagesPerDevice)
	}
}

func TestStartStopDoesNotHang(t *testing.T) {
	store := &fakeStore{}
	cfg := Config{SweepInterval: 10 * time.Millisecond}
	j := New(store, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	j.Start(context.Background())
	time.Sleep(25 * time.Millisecond)
	j.Stop()

	if store.expiredCalls == 0 {
		t.Error("expected at least one sweep to have run")
	}
}
