// Package gitctx captures a minimal view of the workspace's git state for
// logging and error context. The publish cleanliness guard itself runs
// `git status --porcelain` through the command runner; when it finds a dirty
// tree it logs the branch and HEAD gathered here via go-git at debug level.
package gitctx

import (
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Context describes the repository containing the workspace, when any.
type Context struct {
	IsRepository bool   `json:"is_repository"`
	Branch       string `json:"branch,omitempty"`
	HeadSHA      string `json:"head_sha,omitempty"`
}

// Collect inspects the repository at root. A missing or unreadable
// repository yields a zero Context rather than an error; callers treat the
// workspace as untracked in that case.
func Collect(root string) Context {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return Context{}
	}
	ctx := Context{IsRepository: true}
	head, err := repo.Head()
	if err != nil {
		return ctx
	}
	ctx.HeadSHA = head.Hash().String()
	if name := head.Name(); name.IsBranch() {
		ctx.Branch = name.Short()
	} else if name == plumbing.HEAD {
		ctx.Branch = "HEAD"
	}
	return ctx
}
