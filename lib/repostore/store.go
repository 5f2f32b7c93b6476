// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package repostore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/bureau-foundation/propagator/lib/job"
)

// ErrNotFound is returned when no bare repository exists for a name.
var ErrNotFound = errors.New("repository not found")

// placeholderDescription is the text "git init" writes into a new
// repository's description file.
const placeholderDescription = "Unnamed repository; edit this file 'description' to name the repository."

// Descriptor is a read-only view of one authoritative repository.
type Descriptor struct {
	Name        string
	Path        string
	Description string
	Refs        []string
}

// Empty reports whether the repository has no branches. Pushing an
// empty repository accomplishes nothing.
func (d Descriptor) Empty() bool {
	for _, ref := range d.Refs {
		if plumbing.ReferenceName(ref).IsBranch() {
			return false
		}
	}
	return true
}

// Store resolves repository names under a root directory.
type Store struct {
	root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Path returns the on-disk path for name. The name may omit the
// ".git" suffix; when both "name" and "name.git" exist, the exact name
// wins. Names that escape the root are rejected.
func (s *Store) Path(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	exact := filepath.Join(s.root, filepath.FromSlash(name))
	if isDir(exact) {
		return exact, nil
	}
	if !strings.HasSuffix(name, ".git") {
		if suffixed := exact + ".git"; isDir(suffixed) {
			return suffixed, nil
		}
	}
	return exact, nil
}

// Open reads the descriptor of name.
func (s *Store) Open(name string) (Descriptor, error) {
	path, err := s.Path(name)
	if err != nil {
		return Descriptor{}, err
	}
	repository, err := gogit.PlainOpen(path)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) || errors.Is(err, fs.ErrNotExist) {
			return Descriptor{}, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return Descriptor{}, fmt.Errorf("opening repository %s: %w", name, err)
	}

	iterator, err := repository.References()
	if err != nil {
		return Descriptor{}, fmt.Errorf("listing refs of %s: %w", name, err)
	}
	var refs []string
	err = iterator.ForEach(func(reference *plumbing.Reference) error {
		if reference.Type() == plumbing.HashReference {
			refs = append(refs, reference.Name().String())
		}
		return nil
	})
	if err != nil {
		return Descriptor{}, fmt.Errorf("listing refs of %s: %w", name, err)
	}
	sort.Strings(refs)

	description, err := readDescription(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("reading description of %s: %w", name, err)
	}

	return Descriptor{Name: name, Path: path, Description: description, Refs: refs}, nil
}

// Exists reports whether name resolves to a repository.
func (s *Store) Exists(name string) bool {
	path, err := s.Path(name)
	if err != nil {
		return false
	}
	_, err = gogit.PlainOpen(path)
	return err == nil
}

// SetDescription replaces the description of an existing repository.
// The file is swapped in with a rename so a concurrent Open never sees
// it half written. An empty description restores the default.
func (s *Store) SetDescription(name, description string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if !s.Exists(name) {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	description = strings.TrimSpace(description)
	if strings.ContainsAny(description, "\r\n") {
		return fmt.Errorf("description of %s must be a single line", name)
	}
	if description == "" {
		description = job.DefaultDescription
	}

	temporary, err := os.CreateTemp(path, ".description-*")
	if err != nil {
		return fmt.Errorf("writing description of %s: %w", name, err)
	}
	_, writeErr := temporary.WriteString(description + "\n")
	closeErr := temporary.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("writing description of %s: %w", name, err)
	}
	if err := os.Chmod(temporary.Name(), 0o644); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("writing description of %s: %w", name, err)
	}
	if err := os.Rename(temporary.Name(), filepath.Join(path, "description")); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("writing description of %s: %w", name, err)
	}
	return nil
}

func readDescription(path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(path, "description"))
	if errors.Is(err, fs.ErrNotExist) {
		return job.DefaultDescription, nil
	}
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if text == "" || text == placeholderDescription {
		return job.DefaultDescription, nil
	}
	return text, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("repository name is empty")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("repository name %q must be relative", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("repository name %q has an invalid path component", name)
		}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
