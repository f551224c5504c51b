package apikey

import (
	"context"
	"testing"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"github.com/jmehdipour/ingest-gateway/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newIssuerFixture(t *testing.T) (*Issuer, *Validator, *repository.APIKeysRepositoryImpl) {
	t.Helper()
	conn := testutil.NewSQLiteDB(t)
	testutil.InsertProject(t, conn, "proj-a", "owner-1")
	testutil.InsertProject(t, conn, "proj-b", "owner-2")

	keys := repository.NewAPIKeysRepository(conn)
	hasher := NewHasher(bcrypt.MinCost)
	clock := WithClock(func() time.Time { return testutil.Now })
	return NewIssuer(keys, repository.NewProjectsRepository(conn), hasher, clock),
		NewValidator(keys, hasher, clock),
		keys
}

func TestIssuer_IssueThenValidate(t *testing.T) {
	issuer, v, keys := newIssuerFixture(t)
	ctx := context.Background()

	raw, k, err := issuer.Issue(ctx, IssueRequest{
		OwnerID:      "owner-1",
		ProjectID:    "proj-a",
		Name:         "ingest",
		Capabilities: model.CapabilitySet{model.CapabilityWrite, model.CapabilityRead, model.CapabilityWrite},
	})
	require.NoError(t, err)
	assert.Equal(t, "owner-1", k.OwnerID)
	assert.Equal(t, model.CapabilitySet{model.CapabilityRead, model.CapabilityWrite}, k.Capabilities)

	tok, err := ParseToken(raw, DefaultPrefix)
	require.NoError(t, err)
	assert.Equal(t, k.ID, tok.ID)

	stored, err := keys.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.SecretHash), tok.Secret)
	assert.NoError(t, bcrypt.CompareHashAndPassword(stored.SecretHash, []byte(tok.Secret)))

	p, err := v.Validate(ctx, ValidateRequest{Key: raw, ScopeID: "proj-a", Capability: model.CapabilityWrite})
	require.NoError(t, err)
	assert.Equal(t, k.ID, p.KeyID)
	assert.Equal(t, "owner-1", p.OwnerID)
}

func TestIssuer_IssueRejects(t *testing.T) {
	issuer, _, _ := newIssuerFixture(t)
	ctx := context.Background()
	past := testutil.Now.Add(-time.Minute)
	zero := 0

	cases := map[string]IssueRequest{
		"no capabilities": {ProjectID: "proj-a"},
		"bad capability":  {ProjectID: "proj-a", Capabilities: model.CapabilitySet{"delete"}},
		"bad ip":          {ProjectID: "proj-a", Capabilities: model.CapabilitySet{model.CapabilityRead}, AllowedIPs: []string{"10.0.0.0/33"}},
		"past expiry":     {ProjectID: "proj-a", Capabilities: model.CapabilitySet{model.CapabilityRead}, ExpiresAt: &past},
		"zero rps":        {ProjectID: "proj-a", Capabilities: model.CapabilitySet{model.CapabilityRead}, RateLimitRPS: &zero},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := issuer.Issue(ctx, req)
			assert.ErrorIs(t, err, ErrInvalidKeySpec)
		})
	}

	_, _, err := issuer.Issue(ctx, IssueRequest{OwnerID: "owner-1", ProjectID: "proj-b", Capabilities: model.CapabilitySet{model.CapabilityRead}})
	assert.ErrorIs(t, err, ErrProjectNotFound, "foreign project")

	_, _, err = issuer.Issue(ctx, IssueRequest{ProjectID: "missing", Capabilities: model.CapabilitySet{model.CapabilityRead}})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestIssuer_RevokeAndList(t *testing.T) {
	issuer, v, _ := newIssuerFixture(t)
	ctx := context.Background()

	raw, k, err := issuer.Issue(ctx, IssueRequest{ProjectID: "proj-a", Capabilities: model.CapabilitySet{model.CapabilityRead}})
	require.NoError(t, err)

	assert.ErrorIs(t, issuer.Revoke(ctx, "proj-b", k.ID), ErrKeyNotFound)
	require.NoError(t, issuer.Revoke(ctx, "proj-a", k.ID))
	require.NoError(t, issuer.Revoke(ctx, "proj-a", k.ID), "revoking twice is fine")

	_, err = v.Validate(ctx, ValidateRequest{Key: raw, ScopeID: "proj-a", Capability: model.CapabilityRead})
	requireClass(t, err, ClassAuthentication, ReasonInactive)

	list, err := issuer.List(ctx, "proj-a")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Nil(t, list[0].SecretHash)
	assert.False(t, list[0].Active)
	assert.Equal(t, "revoked", list[0].Status(testutil.Now))
}
