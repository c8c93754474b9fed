package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"class-bridge/backend/internal/model"
	"class-bridge/backend/internal/repository"
)

// ── Mock ImportRunRepository ──

type mockImportRunRepo struct {
	mu      sync.Mutex
	runs    map[string]*model.ImportRun
	seq     int
	failErr error
}

func newMockImportRunRepo() *mockImportRunRepo {
	return &mockImportRunRepo{runs: make(map[string]*model.ImportRun)}
}

func newMockRepository(runs *mockImportRunRepo) *repository.Repository {
	return &repository.Repository{ImportRun: runs}
}

func (m *mockImportRunRepo) Create(_ context.Context, run *model.ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.seq++
	if run.ImportRunID == "" {
		run.ImportRunID = fmt.Sprintf("run-%d", m.seq)
	}
	for i := range run.Items {
		run.Items[i].ImportRunID = run.ImportRunID
	}
	m.runs[run.ImportRunID] = run
	return nil
}

func (m *mockImportRunRepo) GetByID(_ context.Context, id string) (*model.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return r, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockImportRunRepo) ListByUser(ctx context.Context, userID string, offset, limit int) ([]model.ImportRun, int64, error) {
	all, err := m.ListAllByUser(ctx, userID)
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(all))
	if offset >= len(all) {
		return []model.ImportRun{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *mockImportRunRepo) ListAllByUser(_ context.Context, userID string) ([]model.ImportRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return nil, m.failErr
	}
	var result []model.ImportRun
	for _, r := range m.runs {
		if r.UserID == userID {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FinishedAt.After(result[j].FinishedAt)
	})
	return result, nil
}

func (m *mockImportRunRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// ── Mock ImportLocker ──

var errLockerDown = errors.New("redis: connection refused")

type mockLocker struct {
	mu      sync.Mutex
	holders map[string]string
	down    bool
	release int
}

func newMockLocker() *mockLocker {
	return &mockLocker{holders: make(map[string]string)}
}

func (m *mockLocker) AcquireImportLock(_ context.Context, userID, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errLockerDown
	}
	if holder, ok := m.holders[userID]; ok && holder != token {
		return false, nil
	}
	m.holders[userID] = token
	return true, nil
}

func (m *mockLocker) RefreshImportLock(_ context.Context, userID, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errLockerDown
	}
	return m.holders[userID] == token, nil
}

func (m *mockLocker) ReleaseImportLock(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return errLockerDown
	}
	if m.holders[userID] == token {
		delete(m.holders, userID)
		m.release++
	}
	return nil
}

func (m *mockLocker) held(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.holders[userID]
	return ok
}
