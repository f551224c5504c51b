package apikey

import "golang.org/x/crypto/bcrypt"

// Hasher hashes and verifies key secrets with bcrypt.
type Hasher struct {
	cost  int
	dummy []byte
}

func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("ingw-dummy-secret"), cost)
	return &Hasher{cost: cost, dummy: dummy}
}

func (h *Hasher) Hash(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), h.cost)
}

// Verify reports whether secret matches hash. Malformed hashes never match.
func (h *Hasher) Verify(hash []byte, secret string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(secret)) == nil
}

// Equalize spends one compare against a throwaway hash so lookups that miss
// take as long as lookups that hit.
func (h *Hasher) Equalize(secret string) {
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(secret))
}
