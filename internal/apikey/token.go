package apikey

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/jmehdipour/ingest-gateway/internal/util"
)

const (
	DefaultPrefix = "ak"
	Delimiter     = "_"

	secretBytes = 32
)

// ErrMalformed is returned by ParseToken for anything that is not
// <prefix>_<ulid>_<64 hex chars>.
var ErrMalformed = errors.New("malformed api key")

// Token is the parsed form of a presented key.
type Token struct {
	Prefix string
	ID     string
	Secret string
}

func (t Token) String() string {
	return t.Prefix + Delimiter + t.ID + Delimiter + t.Secret
}

// ParseToken splits raw into its three parts. It is the only place the
// wire format is interpreted.
func ParseToken(raw, prefix string) (Token, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	parts := strings.Split(raw, Delimiter)
	if len(parts) != 3 {
		return Token{}, ErrMalformed
	}
	t := Token{Prefix: parts[0], ID: parts[1], Secret: parts[2]}
	if t.Prefix != prefix || !util.IsID(t.ID) || !isSecret(t.Secret) {
		return Token{}, ErrMalformed
	}
	return t, nil
}

func isSecret(s string) bool {
	if len(s) != secretBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// NewToken mints a fresh identifier and a crypto/rand secret.
func NewToken(prefix string) (Token, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return Token{}, err
	}
	return Token{Prefix: prefix, ID: util.NewID(), Secret: hex.EncodeToString(buf)}, nil
}
