package transport

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
)

// Local runs commands as child processes of this one.
type Local struct{}

func (Local) command(ctx context.Context, cmd Command) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = os.Environ()
		for _, e := range cmd.Env {
			c.Env = append(c.Env, e.Key+"="+e.Value)
		}
	}
	return c
}

// Spawn starts cmd with stdout and stderr both written to log.
func (l Local) Spawn(ctx context.Context, cmd Command, log io.Writer) (Process, error) {
	c := l.command(ctx, cmd)
	c.Stdout = log
	c.Stderr = log
	if err := c.Start(); err != nil {
		return nil, err
	}
	p := &localProcess{done: make(chan struct{})}
	go func() {
		p.err = c.Wait()
		close(p.done)
	}()
	return p, nil
}

// Output runs cmd to completion. Only failures to run the program are returned as errors.
func (l Local) Output(ctx context.Context, cmd Command) (Output, error) {
	c := l.command(ctx, cmd)
	var cp capture
	c.Stdout = &cp.stdout
	c.Stderr = &cp.stderr
	code, err := exitCode(c.Run())
	if err != nil {
		return Output{}, err
	}
	return Output{Stdout: cp.stdout.Bytes(), Stderr: cp.stderr.Bytes(), Code: code}, nil
}

type localProcess struct {
	done chan struct{}
	err  error
}

func (p *localProcess) TryWait() (bool, error) {
	select {
	case <-p.done:
		return true, nil
	default:
		return false, nil
	}
}

func (p *localProcess) Wait() (int, error) {
	<-p.done
	return exitCode(p.err)
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode(), nil
	}
	return -1, err
}
