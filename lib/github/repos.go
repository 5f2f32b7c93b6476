// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// Repository is the subset of the repository resource propagator
// reads.
type Repository struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	Private     bool   `json:"private"`
	SSHURL      string `json:"ssh_url"`
}

// CreateRepositoryRequest is the body of POST /orgs/{org}/repos.
type CreateRepositoryRequest struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Private      bool   `json:"private"`
	HasIssues    bool   `json:"has_issues"`
	HasWiki      bool   `json:"has_wiki"`
	HasDownloads bool   `json:"has_downloads"`
	AutoInit     bool   `json:"auto_init"`
}

// UpdateRepositoryRequest is the body of PATCH /repos/{owner}/{repo}.
// Nil fields are left unchanged.
type UpdateRepositoryRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

func repoPath(owner, name string) string {
	return fmt.Sprintf("/repos/%s/%s", url.PathEscape(owner), url.PathEscape(name))
}

// GetRepository fetches owner/name.
func (client *Client) GetRepository(ctx context.Context, owner, name string) (*Repository, error) {
	var repository Repository
	if err := client.get(ctx, repoPath(owner, name), &repository); err != nil {
		return nil, err
	}
	return &repository, nil
}

// CreateOrganizationRepository creates a repository in org.
func (client *Client) CreateOrganizationRepository(ctx context.Context, org string, request CreateRepositoryRequest) (*Repository, error) {
	var repository Repository
	path := fmt.Sprintf("/orgs/%s/repos", url.PathEscape(org))
	if err := client.send(ctx, http.MethodPost, path, request, &repository); err != nil {
		return nil, err
	}
	return &repository, nil
}

// UpdateRepository edits owner/name.
func (client *Client) UpdateRepository(ctx context.Context, owner, name string, request UpdateRepositoryRequest) (*Repository, error) {
	var repository Repository
	if err := client.send(ctx, http.MethodPatch, repoPath(owner, name), request, &repository); err != nil {
		return nil, err
	}
	return &repository, nil
}

// DeleteRepository removes owner/name.
func (client *Client) DeleteRepository(ctx context.Context, owner, name string) error {
	return client.send(ctx, http.MethodDelete, repoPath(owner, name), nil, nil)
}
