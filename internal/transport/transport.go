// Package transport runs commands either on this host or on a remote host over SSH.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

// Env is one environment binding. Order is preserved when a command is rendered.
type Env struct {
	Key   string
	Value string
}

// Command describes a program invocation independently of where it runs.
type Command struct {
	Program string
	Args    []string
	Env     []Env
	Dir     string
}

// Shell renders the command as a single POSIX shell line, exporting the environment first.
func (c Command) Shell() string {
	var b strings.Builder
	for _, e := range c.Env {
		fmt.Fprintf(&b, "export %s=%s; ", e.Key, shellescape.Quote(e.Value))
	}
	if c.Dir != "" {
		fmt.Fprintf(&b, "cd %s && ", shellescape.Quote(c.Dir))
	}
	b.WriteString(shellescape.Quote(c.Program))
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(shellescape.Quote(a))
	}
	return b.String()
}

// Process is a spawned command.
type Process interface {
	// TryWait reports whether the process has exited. It never blocks.
	TryWait() (bool, error)
	// Wait blocks until the process exits and returns its exit code. The error is
	// non-nil only when waiting itself failed; a non-zero exit is not an error.
	Wait() (int, error)
}

// Transport executes commands to completion or in the background.
type Transport interface {
	Spawn(ctx context.Context, cmd Command, log io.Writer) (Process, error)
	Output(ctx context.Context, cmd Command) (Output, error)
}

// Output is the captured result of a command run to completion.
type Output struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

// StatusOK returns nil on a zero exit code and the trimmed stderr otherwise.
func (o Output) StatusOK() error {
	if o.Code == 0 {
		return nil
	}
	msg := strings.TrimSpace(string(o.Stderr))
	if msg == "" {
		return fmt.Errorf("exit code %d", o.Code)
	}
	return fmt.Errorf("exit code %d: %s", o.Code, msg)
}

// StdoutString returns stdout when the command succeeded.
func (o Output) StdoutString() (string, error) {
	if err := o.StatusOK(); err != nil {
		return "", err
	}
	return string(o.Stdout), nil
}

type capture struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}
