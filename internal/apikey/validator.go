package apikey

import (
	"context"
	"net/netip"
	"time"

	"github.com/jmehdipour/ingest-gateway/internal/metrics"
	"github.com/jmehdipour/ingest-gateway/internal/model"
	"github.com/jmehdipour/ingest-gateway/internal/repository"
	"go.uber.org/zap"
)

// Store is the slice of the key repository the validator needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*model.APIKey, error)
	Touch(ctx context.Context, id string, usedAt time.Time) error
}

// ValidateRequest is what a caller presents for one operation.
type ValidateRequest struct {
	Key        string
	ScopeID    string
	Capability model.Capability
	RemoteIP   string
}

// Principal is the identity a valid key proves. It never carries the secret.
type Principal struct {
	KeyID        string
	OwnerID      string
	ProjectID    string
	Capabilities model.CapabilitySet
	RateLimitRPS int // 0 means the server default applies
}

type options struct {
	prefix string
	now    func() time.Time
	log    *zap.Logger
}

// Option configures a Validator or an Issuer.
type Option func(*options)

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }
func WithPrefix(prefix string) Option       { return func(o *options) { o.prefix = prefix } }
func WithLogger(l *zap.Logger) Option       { return func(o *options) { o.log = l } }

func newOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix, now: time.Now, log: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.prefix == "" {
		o.prefix = DefaultPrefix
	}
	return o
}

type Validator struct {
	options
	store  Store
	hasher *Hasher
}

func NewValidator(store Store, hasher *Hasher, opts ...Option) *Validator {
	return &Validator{options: newOptions(opts), store: store, hasher: hasher}
}

// Validate runs the checks in order and stops at the first failure:
// parse, lookup, active, expiry, scope, capability, source address, secret.
// Only a fully valid key is touched. Store failures come back wrapped in
// repository.ErrTransient; every other failure is an *Error.
func (v *Validator) Validate(ctx context.Context, req ValidateRequest) (*Principal, error) {
	p, err := v.validate(ctx, req)
	switch {
	case err == nil:
		metrics.KeyValidationsTotal.WithLabelValues("ok").Inc()
	case IsAuthentication(err):
		metrics.KeyValidationsTotal.WithLabelValues(string(ClassAuthentication)).Inc()
	case IsAuthorization(err):
		metrics.KeyValidationsTotal.WithLabelValues(string(ClassAuthorization)).Inc()
	default:
		metrics.KeyValidationsTotal.WithLabelValues("error").Inc()
	}
	return p, err
}

func (v *Validator) validate(ctx context.Context, req ValidateRequest) (*Principal, error) {
	tok, err := ParseToken(req.Key, v.prefix)
	if err != nil {
		return nil, authnErr(ReasonMalformed)
	}

	k, err := v.store.GetByID(ctx, tok.ID)
	if err != nil {
		return nil, repository.Transient(err)
	}
	if k == nil {
		v.hasher.Equalize(tok.Secret)
		return nil, authnErr(ReasonUnknown)
	}

	now := v.now().UTC()
	if !k.Active {
		return nil, v.reject(k, authnErr(ReasonInactive))
	}
	if k.Expired(now) {
		return nil, v.reject(k, authnErr(ReasonExpired))
	}
	if k.ProjectID != req.ScopeID {
		return nil, v.reject(k, authzErr(ReasonScopeMismatch))
	}
	if !k.Capabilities.Has(req.Capability) {
		return nil, v.reject(k, authzErr(ReasonCapability))
	}
	if len(k.AllowedIPs) > 0 && !addressAllowed(k.AllowedIPs, req.RemoteIP) {
		return nil, v.reject(k, authzErr(ReasonSourceNotAllow))
	}
	if !v.hasher.Verify(k.SecretHash, tok.Secret) {
		return nil, v.reject(k, authnErr(ReasonUnknown))
	}

	if err := v.store.Touch(ctx, k.ID, now); err != nil {
		return nil, repository.Transient(err)
	}

	p := &Principal{
		KeyID:        k.ID,
		OwnerID:      k.OwnerID,
		ProjectID:    k.ProjectID,
		Capabilities: k.Capabilities,
	}
	if k.RateLimitRPS != nil {
		p.RateLimitRPS = *k.RateLimitRPS
	}
	return p, nil
}

func (v *Validator) reject(k *model.APIKey, e *Error) error {
	v.log.Debug("api key rejected",
		zap.String("key_id", k.ID),
		zap.String("class", string(e.Class)),
		zap.String("reason", e.Reason),
	)
	return e
}

// addressAllowed matches ip against entries that are either single
// addresses or CIDR prefixes. Unparseable input never matches.
func addressAllowed(allowed []string, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		if pfx, err := netip.ParsePrefix(entry); err == nil {
			if pfx.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// ValidAllowEntry reports whether s is an address or CIDR prefix.
func ValidAllowEntry(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
