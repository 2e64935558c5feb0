package git

import (
	"context"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"

	"github.com/ovn-org/ovn-ci/internal/transport"
)

type scripted struct {
	outputs map[string]transport.Output
	calls   []transport.Command
}

func (s *scripted) Spawn(ctx context.Context, cmd transport.Command, log io.Writer) (transport.Process, error) {
	return nil, errors.New("not supported")
}

func (s *scripted) Output(ctx context.Context, cmd transport.Command) (transport.Output, error) {
	s.calls = append(s.calls, cmd)
	return s.outputs[strings.Join(cmd.Args, " ")], nil
}

func TestUpdateProject(t *testing.T) {
	tr := &scripted{outputs: map[string]transport.Output{
		"rev-parse --show-superproject-working-tree": {Stdout: []byte("\n")},
	}}
	r := New("/src/ovn", tr)
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(tr.calls) != 2 {
		t.Fatalf("calls = %v", tr.calls)
	}
	pull := tr.calls[1]
	if !reflect.DeepEqual(pull.Args, []string{"pull", "--rebase"}) || pull.Dir != "/src/ovn" {
		t.Fatalf("unexpected pull %+v", pull)
	}
}

func TestUpdateSubmodule(t *testing.T) {
	tr := &scripted{outputs: map[string]transport.Output{
		"rev-parse --show-superproject-working-tree": {Stdout: []byte("/src/ovn\n")},
	}}
	r := &Repo{Path: "/src/ovn/ovs", Transport: tr}
	if err := r.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	sub := tr.calls[1]
	if !reflect.DeepEqual(sub.Args, []string{"submodule", "update", "--init"}) || sub.Dir != "/src/ovn" {
		t.Fatalf("unexpected submodule update %+v", sub)
	}
}

func TestUpdateFailure(t *testing.T) {
	tr := &scripted{outputs: map[string]transport.Output{
		"pull --rebase": {Code: 1, Stderr: []byte("conflict")},
	}}
	err := (&Repo{Path: "/src/ovn", Transport: tr}).Update(context.Background())
	if !errors.Is(err, ErrUpdate) || !strings.Contains(err.Error(), "conflict") {
		t.Fatalf("expected update error, got %v", err)
	}
}

func TestHead(t *testing.T) {
	tr := &scripted{outputs: map[string]transport.Output{
		"rev-parse HEAD": {Stdout: []byte("0123abcd\n")},
	}}
	hash, err := (&Repo{Path: "/src/ovn", Transport: tr}).Head(context.Background())
	if err != nil || hash != "0123abcd" {
		t.Fatalf("head = %q, %v", hash, err)
	}
}

func TestNewDefaultsToLocal(t *testing.T) {
	r := New("/src/ovn", nil)
	if _, ok := r.Transport.(transport.Local); !ok {
		t.Fatalf("transport = %T, want transport.Local", r.Transport)
	}
}
