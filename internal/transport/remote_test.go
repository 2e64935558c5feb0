package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	gssh "github.com/ovn-org/ovn-ci/internal/ssh"
)

// sshServer executes requested commands with sh on this host and serves sftp.
type sshServer struct {
	addr     string
	hostKey  xssh.PublicKey
	client   xssh.Signer
	mu       sync.Mutex
	commands []string
}

func newSigner(t *testing.T) xssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := xssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func startSSHServer(t *testing.T) *sshServer {
	t.Helper()
	host := newSigner(t)
	client := newSigner(t)
	authorized := client.PublicKey().Marshal()

	cfg := &xssh.ServerConfig{
		PublicKeyCallback: func(_ xssh.ConnMetadata, key xssh.PublicKey) (*xssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(host)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})

	s := &sshServer{addr: ln.Addr().String(), hostKey: host.PublicKey(), client: client}
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(ctx, nc, cfg)
		}
	}()
	return s
}

func (s *sshServer) serveConn(ctx context.Context, nc net.Conn, cfg *xssh.ServerConfig) {
	conn, chans, reqs, err := xssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	defer conn.Close()
	go xssh.DiscardRequests(reqs)
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(xssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := nch.Accept()
		if err != nil {
			continue
		}
		go s.serveSession(ctx, ch, requests)
	}
}

func (s *sshServer) serveSession(ctx context.Context, ch xssh.Channel, requests <-chan *xssh.Request) {
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			req.Reply(true, nil)
			go func() {
				cmd := exec.CommandContext(ctx, "sh", "-c", payload.Command)
				cmd.Stdout = ch
				cmd.Stderr = ch.Stderr()
				code := 0
				if err := cmd.Run(); err != nil {
					var exit *exec.ExitError
					if errors.As(err, &exit) && exit.ExitCode() >= 0 {
						code = exit.ExitCode()
					} else {
						code = 255
					}
				}
				status := struct{ Status uint32 }{uint32(code)}
				ch.SendRequest("exit-status", false, xssh.Marshal(&status))
				ch.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			if err := xssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				defer ch.Close()
				srv, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				srv.Serve()
				srv.Close()
			}()
		default:
			req.Reply(false, nil)
		}
	}
}

func (s *sshServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

func (s *sshServer) remote() *Remote {
	return NewRemote(&gssh.Client{
		Addr:       s.addr,
		User:       "root",
		Signer:     s.client,
		KnownHosts: xssh.FixedHostKey(s.hostKey),
		Timeout:    5 * time.Second,
		Retries:    2,
		Backoff:    50 * time.Millisecond,
	})
}

func TestRemoteOutputExitCode(t *testing.T) {
	srv := startSSHServer(t)
	out, err := srv.remote().Output(context.Background(), Command{
		Program: "sh",
		Args:    []string{"-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("output: %v", err)
	}
	if out.Code != 3 || string(out.Stdout) != "out\n" || string(out.Stderr) != "err\n" {
		t.Fatalf("output = %d %q %q", out.Code, out.Stdout, out.Stderr)
	}
	if err := out.StatusOK(); err == nil || !strings.Contains(err.Error(), "err") {
		t.Fatalf("status = %v", err)
	}
}

func TestRemoteSpawnForwardsEnvironment(t *testing.T) {
	srv := startSSHServer(t)
	cmd := Command{
		Program: "sh",
		Args:    []string{"-c", `echo "$CC $OPTS"; exit 3`},
		Env: []Env{
			{Key: "CC", Value: "gcc"},
			{Key: "OPTS", Value: "--enable-shared --with-debug"},
		},
		Dir: t.TempDir(),
	}
	var log safeBuffer
	p, err := srv.remote().Spawn(context.Background(), cmd, &log)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	code, err := p.Wait()
	if err != nil || code != 3 {
		t.Fatalf("wait = %d, %v", code, err)
	}
	if done, err := p.TryWait(); !done || err != nil {
		t.Fatalf("try wait after exit = %v, %v", done, err)
	}
	if got := srv.lastCommand(); got != cmd.Shell() {
		t.Fatalf("remote command\n got: %s\nwant: %s", got, cmd.Shell())
	}
	if got := strings.TrimSpace(log.String()); got != "gcc --enable-shared --with-debug" {
		t.Fatalf("log = %q", got)
	}
}

func TestRemoteSpawnCancel(t *testing.T) {
	srv := startSSHServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	p, err := srv.remote().Spawn(ctx, Command{Program: "sleep", Args: []string{"30"}}, &safeBuffer{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if done, _ := p.TryWait(); done {
		t.Fatal("sleep exited immediately")
	}
	cancel()

	waited := make(chan error, 1)
	go func() {
		_, err := p.Wait()
		waited <- err
	}()
	select {
	case err := <-waited:
		if err == nil {
			t.Fatal("expected wait error after cancellation")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("cancellation did not close the session")
	}
}

func TestRemotePull(t *testing.T) {
	srv := startSSHServer(t)
	src := filepath.Join(t.TempDir(), "logs.tgz")
	if err := os.WriteFile(src, []byte("archive"), 0644); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(t.TempDir(), "job", "logs.tgz")
	if err := srv.remote().Pull(context.Background(), src, dst); err != nil {
		t.Fatalf("pull: %v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil || string(b) != "archive" {
		t.Fatalf("pulled %q, %v", b, err)
	}

	if err := srv.remote().Pull(context.Background(), src+".missing", dst); err == nil {
		t.Fatal("expected error for a missing remote file")
	}
}

func TestRemoteConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	r := NewRemote(&gssh.Client{Addr: addr, User: "root", Signer: newSigner(t), Retries: 1, Backoff: 10 * time.Millisecond})
	if _, err := r.Output(context.Background(), Command{Program: "true"}); err == nil {
		t.Fatal("expected dial error")
	}
}

// safeBuffer is written by the session goroutines and read by the test.
type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}
