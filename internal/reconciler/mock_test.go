package reconciler

import (
	"context"
	"fmt"
	"sync"

	"github.com/njoerd114/yadiskd/internal/remote"
)

// mockRemote is a fake remote.Client backed by an in-memory directory tree,
// keyed by parent path.
type mockRemote struct {
	mu       sync.Mutex
	children map[string][]remote.Resource
}

func newMockRemote() *mockRemote {
	return &mockRemote{children: make(map[string][]remote.Resource)}
}

func (m *mockRemote) addDir(parent string, res remote.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[parent] = append(m.children[parent], res)
}

func (m *mockRemote) GetResource(_ context.Context, path string) (*remote.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entries := range m.children {
		for _, r := range entries {
			if r.Path == path {
				cp := r
				return &cp, nil
			}
		}
	}
	return nil, fmt.Errorf("not found: %s", path)
}

func (m *mockRemote) ListDirectory(_ context.Context, path string, offset, limit int) ([]remote.Resource, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.children[path]
	if offset >= len(all) {
		return nil, false, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], end < len(all), nil
}

func (m *mockRemote) GetDownloadURL(_ context.Context, path string) (string, error) {
	return "https://example.invalid/download?path=" + path, nil
}

func (m *mockRemote) GetUploadURL(_ context.Context, path string, _ bool) (string, error) {
	return "https://example.invalid/upload?path=" + path, nil
}

func (m *mockRemote) CreateFolder(_ context.Context, path string) (remote.MutationResult, error) {
	return remote.MutationResult{Resource: &remote.Resource{Path: path, IsDir: true}}, nil
}

func (m *mockRemote) Move(_ context.Context, _, to string, _ bool) (remote.MutationResult, error) {
	return remote.MutationResult{Resource: &remote.Resource{Path: to}}, nil
}

func (m *mockRemote) Copy(_ context.Context, _, to string, _ bool) (remote.MutationResult, error) {
	return remote.MutationResult{Resource: &remote.Resource{Path: to}}, nil
}

func (m *mockRemote) Delete(_ context.Context, path string) (remote.MutationResult, error) {
	return remote.MutationResult{Resource: &remote.Resource{Path: path}}, nil
}

func (m *mockRemote) GetOperationStatus(_ context.Context, _ string) (remote.OperationStatus, error) {
	return remote.OpSuccess, nil
}

func (m *mockRemote) RefreshUploadLimitHint(_ context.Context) error { return nil }

func (m *mockRemote) UploadLimitHint(_ context.Context) (int64, bool) { return 0, false }
