package apikey

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"go.uber.org/zap"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrKeyNotFound     = errors.New("api key not found")
	ErrInvalidKeySpec  = errors.New("invalid api key request")
)

// KeyStore is the write side of the key repository.
type KeyStore interface {
	Create(ctx context.Context, k *model.APIKey) error
	GetByID(ctx context.Context, id string) (*model.APIKey, error)
	ListByProject(ctx context.Context, projectID string) ([]model.APIKey, error)
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
}

type ProjectLookup interface {
	Get(ctx context.Context, id string) (*model.Project, error)
}

type IssueRequest struct {
	// OwnerID, when set, must own ProjectID.
	OwnerID      string
	ProjectID    string
	Name         string
	Capabilities model.CapabilitySet
	ExpiresAt    *time.Time
	AllowedIPs   []string
	RateLimitRPS *int
}

// Issuer creates, lists and revokes keys.
type Issuer struct {
	options
	keys     KeyStore
	projects ProjectLookup
	hasher   *Hasher
}

func NewIssuer(keys KeyStore, projects ProjectLookup, hasher *Hasher, opts ...Option) *Issuer {
	return &Issuer{options: newOptions(opts), keys: keys, projects: projects, hasher: hasher}
}

// Issue persists a new key and returns the raw token. The raw token is not
// recoverable afterwards.
func (s *Issuer) Issue(ctx context.Context, req IssueRequest) (string, *model.APIKey, error) {
	if len(req.Capabilities) == 0 {
		return "", nil, fmt.Errorf("%w: at least one capability is required", ErrInvalidKeySpec)
	}
	for _, c := range req.Capabilities {
		if !c.Valid() {
			return "", nil, fmt.Errorf("%w: unknown capability %q", ErrInvalidKeySpec, c)
		}
	}
	for _, ip := range req.AllowedIPs {
		if !ValidAllowEntry(ip) {
			return "", nil, fmt.Errorf("%w: bad allowed ip %q", ErrInvalidKeySpec, ip)
		}
	}
	if req.RateLimitRPS != nil && *req.RateLimitRPS <= 0 {
		return "", nil, fmt.Errorf("%w: rate limit must be positive", ErrInvalidKeySpec)
	}

	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return "", nil, fmt.Errorf("%w: expiry is in the past", ErrInvalidKeySpec)
	}

	project, err := s.ownedProject(ctx, req.OwnerID, req.ProjectID)
	if err != nil {
		return "", nil, err
	}

	tok, err := NewToken(s.prefix)
	if err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}
	hash, err := s.hasher.Hash(tok.Secret)
	if err != nil {
		return "", nil, fmt.Errorf("hash secret: %w", err)
	}

	caps, _ := model.ParseCapabilitySet(req.Capabilities.String())
	k := &model.APIKey{
		ID:           tok.ID,
		OwnerID:      project.OwnerID,
		ProjectID:    project.ID,
		Name:         req.Name,
		SecretHash:   hash,
		Capabilities: caps,
		Active:       true,
		AllowedIPs:   model.StringList(req.AllowedIPs),
		RateLimitRPS: req.RateLimitRPS,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.ExpiresAt != nil {
		exp := req.ExpiresAt.UTC()
		k.ExpiresAt = &exp
	}
	if err := s.keys.Create(ctx, k); err != nil {
		return "", nil, repository.Transient(err)
	}

	s.log.Info("api key issued",
		zap.String("key_id", k.ID),
		zap.String("project_id", k.ProjectID),
		zap.String("capabilities", k.Capabilities.String()),
	)
	return tok.String(), k, nil
}

// Revoke deactivates a key of the project. Revoking twice is not an error.
func (s *Issuer) Revoke(ctx context.Context, projectID, keyID string) error {
	k, err := s.keys.GetByID(ctx, keyID)
	if err != nil {
		return repository.Transient(err)
	}
	if k == nil || k.ProjectID != projectID {
		return ErrKeyNotFound
	}
	changed, err := s.keys.Revoke(ctx, keyID, s.now().UTC())
	if err != nil {
		return repository.Transient(err)
	}
	if changed {
		s.log.Info("api key revoked", zap.String("key_id", keyID), zap.String("project_id", projectID))
	}
	return nil
}

// List returns key metadata for a project; secret hashes are cleared.
func (s *Issuer) List(ctx context.Context, projectID string) ([]model.APIKey, error) {
	keys, err := s.keys.ListByProject(ctx, projectID)
	if err != nil {
		return nil, repository.Transient(err)
	}
	for i := range keys {
		keys[i].SecretHash = nil
	}
	return keys, nil
}

func (s *Issuer) ownedProject(ctx context.Context, ownerID, projectID string) (*model.Project, error) {
	p, err := s.projects.Get(ctx, projectID)
	if err != nil {
		return nil, repository.Transient(err)
	}
	if p == nil || (ownerID != "" && p.OwnerID != ownerID) {
		return nil, ErrProjectNotFound
	}
	return p, nil
}
