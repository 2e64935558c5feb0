package transport

import (
	"context"
	"errors"
	"io"

	gssh "github.com/ovn-org/ovn-ci/internal/ssh"
	xssh "golang.org/x/crypto/ssh"
)

// Remote runs commands on another host over SSH. Every command uses its own connection.
type Remote struct {
	Client *gssh.Client
}

func NewRemote(c *gssh.Client) *Remote { return &Remote{Client: c} }

// Spawn starts cmd remotely with stdout and stderr streamed into log.
func (r *Remote) Spawn(ctx context.Context, cmd Command, log io.Writer) (Process, error) {
	sess, err := r.Client.Start(ctx, cmd.Shell(), log, log)
	if err != nil {
		return nil, err
	}
	p := &remoteProcess{done: make(chan struct{})}
	go func() {
		p.err = sess.Wait()
		_ = sess.Close()
		close(p.done)
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = sess.Close()
		case <-p.done:
		}
	}()
	return p, nil
}

// Output runs cmd remotely to completion.
func (r *Remote) Output(ctx context.Context, cmd Command) (Output, error) {
	stdout, stderr, err := r.Client.RunCommand(ctx, cmd.Shell())
	code, err := remoteExitCode(err)
	if err != nil {
		return Output{}, err
	}
	return Output{Stdout: []byte(stdout), Stderr: []byte(stderr), Code: code}, nil
}

// Pull copies remotePath from the host to localPath.
func (r *Remote) Pull(ctx context.Context, remotePath, localPath string) error {
	cli, err := r.Client.Connect(ctx)
	if err != nil {
		return err
	}
	defer cli.Close()
	return gssh.PullFile(ctx, cli, remotePath, localPath)
}

type remoteProcess struct {
	done chan struct{}
	err  error
}

func (p *remoteProcess) TryWait() (bool, error) {
	select {
	case <-p.done:
		return true, nil
	default:
		return false, nil
	}
}

func (p *remoteProcess) Wait() (int, error) {
	<-p.done
	return remoteExitCode(p.err)
}

func remoteExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exit *xssh.ExitError
	if errors.As(err, &exit) {
		return exit.ExitStatus(), nil
	}
	return -1, err
}
