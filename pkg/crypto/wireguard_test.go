package crypto

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPairAndDerive(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	assert.True(t, IsValidKey(kp.PrivateKey))
	assert.True(t, IsValidKey(kp.PublicKey))

	derived, err := DerivePublicKey(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, derived)
}

func TestKeyGenerator_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, KeySize*2)

	a, err := NewKeyGenerator(bytes.NewReader(seed)).Generate()
	require.NoError(t, err)
	b, err := NewKeyGenerator(bytes.NewReader(seed)).Generate()
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestKeyGenerator_ShortSource(t *testing.T) {
	_, err := NewKeyGenerator(bytes.NewReader([]byte{1, 2, 3})).Generate()
	assert.Error(t, err)
}

func TestDerivePublicKey_Errors(t *testing.T) {
	_, err := DerivePublicKey("not-base64!!")
	assert.Error(t, err)

	short := base64.StdEncoding.EncodeToString(make([]byte, 31))
	_, err = DerivePublicKey(short)
	assert.Error(t, err)
}

func TestIsValidKey(t *testing.T) {
	assert.False(t, IsValidKey("short"))
	assert.False(t, IsValidKey(strings.Repeat("!", 44)))
	assert.False(t, IsValidKey(""))
	assert.True(t, IsValidKey(base64.StdEncoding.EncodeToString(make([]byte, KeySize))))
}
