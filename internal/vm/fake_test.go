package vm

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ovn-org/ovn-ci/internal/hypervisor"
	"github.com/ovn-org/ovn-ci/internal/transport"
)

// MockHypervisor records calls and keeps a set of running domains.
type MockHypervisor struct {
	mu        sync.Mutex
	running   map[string]bool
	calls     []string
	createErr error
	files     map[string][]byte
	customize []string
	install   hypervisor.InstallRequest
}

func newMockHypervisor() *MockHypervisor {
	return &MockHypervisor{running: map[string]bool{}, files: map[string][]byte{}}
}

func (m *MockHypervisor) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *MockHypervisor) count(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (m *MockHypervisor) Name() string { return "mock" }

func (m *MockHypervisor) RunningDomains(ctx context.Context) ([]string, error) {
	m.record("list")
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for n := range m.running {
		names = append(names, n)
	}
	return names, nil
}

func (m *MockHypervisor) CreateDomain(ctx context.Context, descriptorPath string) error {
	m.record("create")
	if m.createErr != nil {
		return m.createErr
	}
	if _, err := os.Stat(descriptorPath); err != nil {
		return err
	}
	m.mu.Lock()
	m.running[domainName(descriptorPath)] = true
	m.mu.Unlock()
	return nil
}

func (m *MockHypervisor) DestroyDomain(ctx context.Context, name string) error {
	m.record("destroy")
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running[name] {
		return errors.New("domain is not running")
	}
	delete(m.running, name)
	return nil
}

func (m *MockHypervisor) UndefineDomain(ctx context.Context, name string) error {
	m.record("undefine")
	return nil
}

func (m *MockHypervisor) CreateImage(ctx context.Context, path, size string) error {
	m.record("image")
	return os.WriteFile(path, []byte(size), 0644)
}

func (m *MockHypervisor) CreateOverlay(ctx context.Context, base, image string) error {
	m.record("overlay")
	return os.WriteFile(image, []byte(base), 0644)
}

func (m *MockHypervisor) Install(ctx context.Context, req hypervisor.InstallRequest) error {
	m.record("install")
	m.install = req
	return nil
}

func (m *MockHypervisor) Customize(ctx context.Context, image string, ops []string) error {
	m.record("customize")
	m.customize = ops
	return nil
}

func (m *MockHypervisor) ReadFile(ctx context.Context, image, path string) ([]byte, error) {
	m.record("cat")
	return m.files[path], nil
}

func domainName(descriptorPath string) string {
	return strings.TrimSuffix(filepath.Base(descriptorPath), ".xml")
}

// mockRemote answers the ready check and records spawned commands.
type mockRemote struct {
	ready   string
	spawned []transport.Command
	pulled  []string
	pullErr error
}

func (r *mockRemote) Spawn(ctx context.Context, cmd transport.Command, log io.Writer) (transport.Process, error) {
	r.spawned = append(r.spawned, cmd)
	return doneProcess{}, nil
}

func (r *mockRemote) Output(ctx context.Context, cmd transport.Command) (transport.Output, error) {
	return transport.Output{Stdout: []byte(r.ready + "\n")}, nil
}

func (r *mockRemote) Pull(ctx context.Context, remotePath, localPath string) error {
	if r.pullErr != nil {
		return r.pullErr
	}
	r.pulled = append(r.pulled, remotePath)
	return os.WriteFile(localPath, []byte("archive"), 0644)
}

type doneProcess struct{}

func (doneProcess) TryWait() (bool, error) { return true, nil }
func (doneProcess) Wait() (int, error)     { return 0, nil }
