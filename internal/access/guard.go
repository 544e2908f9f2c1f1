// Package access implements project-level authorization for bucket
// operations. Project metadata is supplied by an external store; this
// package never mutates it.
package access

import (
	"context"
	"errors"
)

// Access error types. ErrDenied is mapped by the transport adapter to the
// same response as a missing resource, so a private bucket is
// indistinguishable from an absent one to a non-member.
var (
	ErrDenied          = errors.New("access denied")
	ErrProjectNotFound = errors.New("project not found")
)

// Project is the metadata returned by the external project store.
type Project struct {
	ID            string
	OwnerID       string
	Collaborators []string
	Buckets       []string
}

// IsMember reports whether userID is the owner or a collaborator.
func (p *Project) IsMember(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == p.OwnerID {
		return true
	}
	for _, c := range p.Collaborators {
		if c == userID {
			return true
		}
	}
	return false
}

// HasBucket reports whether bucketID belongs to the project.
func (p *Project) HasBucket(bucketID string) bool {
	for _, b := range p.Buckets {
		if b == bucketID {
			return true
		}
	}
	return false
}

// ProjectStore is the external project-metadata collaborator.
// Implementations must return ErrProjectNotFound for unknown ids.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (*Project, error)
}

// Guard decides whether operations on a project's buckets are permitted.
type Guard struct {
	projects ProjectStore
}

// NewGuard creates a guard backed by the given project store.
func NewGuard(projects ProjectStore) *Guard {
	return &Guard{projects: projects}
}

// project fetches the project, folding a missing project into ErrDenied so
// callers cannot probe for project existence.
func (g *Guard) project(ctx context.Context, projectID string) (*Project, error) {
	p, err := g.projects.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return nil, ErrDenied
		}
		return nil, err
	}
	return p, nil
}

// AuthorizeProject permits project-scoped operations (job queries, bucket
// provisioning) that are not tied to an existing bucket.
func (g *Guard) AuthorizeProject(ctx context.Context, projectID, userID string) error {
	p, err := g.project(ctx, projectID)
	if err != nil {
		return err
	}
	if !p.IsMember(userID) {
		return ErrDenied
	}
	return nil
}

// AuthorizeWrite permits mutating operations on a project's bucket.
// Writes always require project membership regardless of the bucket's
// public flag.
func (g *Guard) AuthorizeWrite(ctx context.Context, projectID, bucketID, userID string) error {
	p, err := g.project(ctx, projectID)
	if err != nil {
		return err
	}
	if !p.HasBucket(bucketID) {
		return ErrDenied
	}
	if !p.IsMember(userID) {
		return ErrDenied
	}
	return nil
}

// AuthorizeRead permits listing/stat/download. Public buckets allow
// unauthenticated reads; private buckets require project membership.
func (g *Guard) AuthorizeRead(ctx context.Context, projectID, bucketID, userID string, public bool) error {
	if public {
		return nil
	}
	return g.AuthorizeWrite(ctx, projectID, bucketID, userID)
}
