package core

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
	"github.com/ovn-org/ovn-ci/internal/vm"
)

type fakeProcess struct {
	mu      sync.Mutex
	done    bool
	code    int
	pollErr error
	waitErr error
}

func (p *fakeProcess) exit(code int) {
	p.mu.Lock()
	p.done = true
	p.code = code
	p.mu.Unlock()
}

func (p *fakeProcess) TryWait() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pollErr != nil {
		return false, p.pollErr
	}
	return p.done, nil
}

func (p *fakeProcess) Wait() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waitErr != nil {
		return -1, p.waitErr
	}
	return p.code, nil
}

// fakeTransport hands out controllable processes keyed by the command directory.
type fakeTransport struct {
	mu       sync.Mutex
	spawned  []transport.Command
	procs    map[string]*fakeProcess
	spawnErr error
	// exitCode makes every spawned process exit immediately with this code.
	exitCode *int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{procs: make(map[string]*fakeProcess)}
}

func (f *fakeTransport) Spawn(ctx context.Context, cmd transport.Command, log io.Writer) (transport.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return nil, f.spawnErr
	}
	f.spawned = append(f.spawned, cmd)
	p := &fakeProcess{}
	if f.exitCode != nil {
		p.exit(*f.exitCode)
	}
	f.procs[cmd.Dir] = p
	return p, nil
}

func (f *fakeTransport) Output(ctx context.Context, cmd transport.Command) (transport.Output, error) {
	return transport.Output{}, errors.New("not a git tree")
}

func (f *fakeTransport) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeTransport) finishAll(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.procs {
		p.exit(code)
	}
}

type recordingReporter struct {
	results map[string]bool
}

func (r *recordingReporter) TestResult(name string, success bool) {
	if r.results == nil {
		r.results = make(map[string]bool)
	}
	r.results[name] = success
}

func intPtr(i int) *int { return &i }

type fakeHypervisor struct {
	mu        sync.Mutex
	running   map[string]bool
	destroyed []string
	customize [][]string
	installs  int
	createErr error
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{running: make(map[string]bool)}
}

func (h *fakeHypervisor) Name() string { return "fake" }

func (h *fakeHypervisor) RunningDomains(ctx context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for name := range h.running {
		out = append(out, name)
	}
	return out, nil
}

func (h *fakeHypervisor) CreateDomain(ctx context.Context, descriptorPath string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.createErr != nil {
		return h.createErr
	}
	h.running[strings.TrimSuffix(filepath.Base(descriptorPath), ".xml")] = true
	return nil
}

func (h *fakeHypervisor) DestroyDomain(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.running, name)
	h.destroyed = append(h.destroyed, name)
	return nil
}

func (h *fakeHypervisor) UndefineDomain(ctx context.Context, name string) error { return nil }

func (h *fakeHypervisor) CreateImage(ctx context.Context, path, size string) error {
	return os.WriteFile(path, nil, 0644)
}

func (h *fakeHypervisor) CreateOverlay(ctx context.Context, base, image string) error {
	return os.WriteFile(image, nil, 0644)
}

func (h *fakeHypervisor) Install(ctx context.Context, req hypervisor.InstallRequest) error {
	h.mu.Lock()
	h.installs++
	h.mu.Unlock()
	return nil
}

func (h *fakeHypervisor) Customize(ctx context.Context, image string, ops []string) error {
	h.mu.Lock()
	h.customize = append(h.customize, ops)
	h.mu.Unlock()
	return nil
}

func (h *fakeHypervisor) ReadFile(ctx context.Context, image, path string) ([]byte, error) {
	return []byte("builder log"), nil
}

// fakeRemote answers the ready check and spawns through the wrapped fake transport.
type fakeRemote struct {
	*fakeTransport
	addr   string
	pulled []string
}

func (r *fakeRemote) Output(ctx context.Context, cmd transport.Command) (transport.Output, error) {
	if cmd.Program == "echo" && len(cmd.Args) == 1 {
		return transport.Output{Stdout: []byte(cmd.Args[0] + "\n")}, nil
	}
	return transport.Output{}, nil
}

func (r *fakeRemote) Spawn(ctx context.Context, cmd transport.Command, log io.Writer) (transport.Process, error) {
	cmd.Dir = r.addr
	return r.fakeTransport.Spawn(ctx, cmd, log)
}

func (r *fakeRemote) Pull(ctx context.Context, remotePath, localPath string) error {
	r.pulled = append(r.pulled, localPath)
	return os.WriteFile(localPath, []byte("archive"), 0644)
}

func vmOptions(libPath string, hv hypervisor.Hypervisor, tr *fakeTransport, remotes map[string]*fakeRemote) *vm.Options {
	return &vm.Options{
		Hypervisor: hv,
		LibPath:    libPath,
		Memory:     1024,
		VCPUs:      2,
		Connect: func(addr string) vm.Remote {
			r := &fakeRemote{fakeTransport: tr, addr: addr}
			remotes[addr] = r
			return r
		},
		Reaper: vm.NewReaper(),
	}
}
