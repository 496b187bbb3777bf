package handler

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/canvassync/internal/model"
)

func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

type mockSyncService struct {
	triggerSyncFn  func(ctx context.Context, principalID string, kind model.SyncKind) (string, error)
	getJobStatusFn func(jobID string) (model.SyncJob, bool)
	getHistoryFn   func(principalID string, limit int) []model.SyncJob
}

func (m *mockSyncService) TriggerSync(ctx context.Context, principalID string, kind model.SyncKind) (string, error) {
	return m.triggerSyncFn(ctx, principalID, kind)
}

func (m *mockSyncService) GetJobStatus(jobID string) (model.SyncJob, bool) {
	if m.getJobStatusFn == nil {
		return model.SyncJob{}, false
	}
	return m.getJobStatusFn(jobID)
}

func (m *mockSyncService) GetHistory(principalID string, limit int) []model.SyncJob {
	if m.getHistoryFn == nil {
		return nil
	}
	return m.getHistoryFn(principalID, limit)
}

type mockJobFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.SyncJob, error)
}

func (m *mockJobFinder) FindByID(ctx context.Context, id string) (*model.SyncJob, error) {
	return m.findByIDFn(ctx, id)
}

type mockRegistrar struct {
	registerFn func(ctx context.Context, principalID, accessToken string, expiresAt *time.Time, canvasUserID *int64) error
}

func (m *mockRegistrar) Register(ctx context.Context, principalID, accessToken string, expiresAt *time.Time, canvasUserID *int64) error {
	return m.registerFn(ctx, principalID, accessToken, expiresAt, canvasUserID)
}

type mockCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries int
	cleared int
}

func (m *mockCache) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.entries
	m.entries = 0
	m.cleared++
	return n
}

func (m *mockCache) SetTTL(ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl = ttl
}

func (m *mockCache) TTL() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ttl
}

func (m *mockCache) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}
