package apikey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testID     = "01HV6Z3E4K9QW8T7R6Y5X4C3B2"
	testSecret = "0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0"
)

func TestParseToken(t *testing.T) {
	valid := "ak_" + testID + "_" + testSecret

	tok, err := ParseToken(valid, "ak")
	require.NoError(t, err)
	assert.Equal(t, Token{Prefix: "ak", ID: testID, Secret: testSecret}, tok)
	assert.Equal(t, valid, tok.String())

	cases := map[string]string{
		"empty":         "",
		"wrong prefix":  "sk_" + testID + "_" + testSecret,
		"two parts":     "ak_" + testID,
		"four parts":    valid + "_extra",
		"empty id":      "ak__" + testSecret,
		"empty secret":  "ak_" + testID + "_",
		"non ulid id":   "ak_project-1_" + testSecret,
		"short secret":  "ak_" + testID + "_abcdef",
		"non hex":       "ak_" + testID + "_" + strings.Repeat("z", 64),
		"colon format":  "ak:" + testID + ":" + testSecret,
		"leading space": " " + valid,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(raw, "ak")
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestNewToken(t *testing.T) {
	a, err := NewToken("")
	require.NoError(t, err)
	b, err := NewToken("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPrefix, a.Prefix)
	assert.NotEqual(t, a.Secret, b.Secret)
	assert.NotEqual(t, a.ID, b.ID)

	back, err := ParseToken(a.String(), DefaultPrefix)
	require.NoError(t, err)
	assert.Equal(t, a, back)
}
