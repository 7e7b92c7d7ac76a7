package engine

import (
	"context"
	"sync"

	"github.com/njoerd114/yadiskd/internal/remote"
	"github.com/njoerd114/yadiskd/internal/synerr"
)

// mockRemote is a fake remote.Client. Most tests only need the resources
// map; scenario tests that must drive executeOp end to end (conflict
// resolution, move/copy) override downloadHref/uploadHref/moveFunc to point
// at an httptest.Server and a real package transfer Client.
type mockRemote struct {
	mu        sync.Mutex
	resources map[string]remote.Resource

	downloadHref map[string]string
	uploadHref   map[string]string

	moveFunc func(from, to string, overwrite bool) (remote.MutationResult, error)
	copyFunc func(from, to string, overwrite bool) (remote.MutationResult, error)
	moveCalls int
	copyCalls int

	uploadLimitKnown bool
	uploadLimitBytes int64
	refreshCalls     int
}

func newMockRemote() *mockRemote {
	return &mockRemote{resources: make(map[string]remote.Resource)}
}

func (m *mockRemote) GetResource(_ context.Context, path string) (*remote.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.resources[path]
	if !ok {
		return nil, synerr.Newf(synerr.NotFound, "not found: %s", path)
	}
	return &r, nil
}

func (m *mockRemote) ListDirectory(_ context.Context, _ string, _, _ int) ([]remote.Resource, bool, error) {
	return nil, false, nil
}

func (m *mockRemote) GetDownloadURL(_ context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if href, ok := m.downloadHref[path]; ok {
		return href, nil
	}
	return "https://example.invalid/download?path=" + path, nil
}

func (m *mockRemote) GetUploadURL(_ context.Context, path string, _ bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if href, ok := m.uploadHref[path]; ok {
		return href, nil
	}
	return "https://example.invalid/upload?path=" + path, nil
}

func (m *mockRemote) CreateFolder(_ context.Context, path string) (remote.MutationResult, error) {
	return remote.MutationResult{Resource: &remote.Resource{Path: path, IsDir: true}}, nil
}

func (m *mockRemote) Move(_ context.Context, from, to string, overwrite bool) (remote.MutationResult, error) {
	m.mu.Lock()
	m.moveCalls++
	m.mu.Unlock()
	if m.moveFunc != nil {
		return m.moveFunc(from, to, overwrite)
	}
	return remote.MutationResult{Resource: &remote.Resource{Path: to}}, nil
}

func (m *mockRemote) Copy(_ context.Context, from, to string, overwrite bool) (remote.MutationResult, error) {
	m.mu.Lock()
	m.copyCalls++
	m.mu.Unlock()
	if m.copyFunc != nil {
		return m.copyFunc(from, to, overwrite)
	}
	return remote.MutationResult{Resource: &remote.Resource{Path: to}}, nil
}

func (m *mockRemote) Delete(_ context.Context, path string) (remote.MutationResult, error) {
	return remote.MutationResult{Resource: &remote.Resource{Path: path}}, nil
}

func (m *mockRemote) GetOperationStatus(_ context.Context, _ string) (remote.OperationStatus, error) {
	return remote.OpSuccess, nil
}

func (m *mockRemote) RefreshUploadLimitHint(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls++
	return nil
}

func (m *mockRemote) UploadLimitHint(_ context.Context) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploadLimitBytes, m.uploadLimitKnown
}
