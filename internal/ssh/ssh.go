package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	hostKeys := c.KnownHosts
	if hostKeys == nil {
		hostKeys = xssh.InsecureIgnoreHostKey()
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: hostKeys,
		Timeout:         c.Timeout,
	}, nil
}

// Connect dials the host, retrying up to c.Retries times with linear backoff.
// The caller is responsible for closing the returned client.
func (c *Client) Connect(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := dial(ctx, c.Addr, cfg)
		if err == nil {
			return cli, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt < retries {
			log.Debug().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("ssh dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", c.Addr, lastErr)
}

// RunCommand executes a remote command to completion and returns its stdout and stderr.
func (c *Client) RunCommand(ctx context.Context, command string) (string, string, error) {
	cli, err := c.Connect(ctx)
	if err != nil {
		return "", "", err
	}
	defer cli.Close()
	session, err := cli.NewSession()
	if err != nil {
		return "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if err := session.Run(command); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("run command: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// Session is a remote command started in the background.
type Session struct {
	client  *xssh.Client
	session *xssh.Session
}

// Start launches command on the remote host with its output streamed to stdout and stderr.
func (c *Client) Start(ctx context.Context, command string, stdout, stderr io.Writer) (*Session, error) {
	cli, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	session, err := cli.NewSession()
	if err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}
	session.Stdout = stdout
	session.Stderr = stderr
	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = cli.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}
	return &Session{client: cli, session: session}, nil
}

// Wait blocks until the remote command exits. A non-zero exit is reported as *xssh.ExitError.
func (s *Session) Wait() error {
	return s.session.Wait()
}

// Close tears down the session and its connection.
func (s *Session) Close() error {
	_ = s.session.Close()
	return s.client.Close()
}

func dial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}
