// Package gitinfo implements domain.GitInfo using go-git, so reports can be
// stamped with the commit the validated target was at.
package gitinfo

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

// IsRepo walks upward from path looking for a repository, since a module
// directory usually sits inside a larger work tree.
func (a *Adapter) IsRepo(path string) bool {
	_, err := openFrom(path)
	return err == nil
}

func (a *Adapter) CommitHash(path string) (string, error) {
	repo, err := openFrom(path)
	if err != nil {
		return "", fmt.Errorf("opening git repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("getting HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

func openFrom(path string) (*git.Repository, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for {
		repo, err := git.PlainOpen(dir)
		if err == nil {
			return repo, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, err
		}
		dir = parent
	}
}
