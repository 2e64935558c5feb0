// Package git keeps the source trees up to date.
package git

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ovn-org/ovn-ci/internal/transport"
)

var (
	ErrSubmoduleParent = errors.New("cannot determine if the tree is a submodule")
	ErrSubmoduleUpdate = errors.New("cannot update submodule")
	ErrUpdate          = errors.New("cannot update project")
	ErrHead            = errors.New("cannot read head commit")
)

// Repo is a git working tree.
type Repo struct {
	Path      string
	Transport transport.Transport
}

// New returns the tree at path. A nil transport runs git locally.
func New(path string, tr transport.Transport) *Repo {
	if tr == nil {
		tr = transport.Local{}
	}
	return &Repo{Path: path, Transport: tr}
}

// Update pulls the tree with rebase. A submodule is updated from its superproject instead.
func (r *Repo) Update(ctx context.Context) error {
	parent, err := r.git(ctx, r.Path, "rev-parse", "--show-superproject-working-tree")
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrSubmoduleParent, r.Path, err)
	}
	if parent == "" {
		log.Debug().Str("path", r.Path).Msg("Pulling project")
		if _, err := r.git(ctx, r.Path, "pull", "--rebase"); err != nil {
			return fmt.Errorf("%w %q: %w", ErrUpdate, r.Path, err)
		}
		return nil
	}
	log.Debug().Str("path", r.Path).Str("parent", parent).Msg("Updating submodule")
	if _, err := r.git(ctx, parent, "submodule", "update", "--init"); err != nil {
		return fmt.Errorf("%w %q: %w", ErrSubmoduleUpdate, r.Path, err)
	}
	return nil
}

// Head returns the commit hash checked out in the tree.
func (r *Repo) Head(ctx context.Context) (string, error) {
	hash, err := r.git(ctx, r.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w %q: %w", ErrHead, r.Path, err)
	}
	return hash, nil
}

func (r *Repo) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := r.Transport.Output(ctx, transport.Command{Program: "git", Args: args, Dir: dir})
	if err != nil {
		return "", err
	}
	stdout, err := out.StdoutString()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(stdout, "\r\n"), nil
}
