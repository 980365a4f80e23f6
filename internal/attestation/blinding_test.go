package attestation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attestor/internal/models"
)

func TestUserIDStableAcrossVerifications(t *testing.T) {
	p := models.Profile{FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10"}
	same := models.Profile{FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10", Country: "GB", IDNumber: "X1"}

	// Only name and date of birth feed the fingerprint; document details may
	// differ between verifications of the same person.
	assert.Equal(t, UserID("salt", p), UserID("salt", same))
}

func TestUserIDDependsOnSaltAndIdentity(t *testing.T) {
	p := models.Profile{FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10"}
	other := models.Profile{FirstName: "Alan", LastName: "Turing", DOB: "1912-06-23"}

	assert.NotEqual(t, UserID("salt-a", p), UserID("salt-b", p))
	assert.NotEqual(t, UserID("salt", p), UserID("salt", other))
}

func TestHashPairVerifiable(t *testing.T) {
	h := hashPair("Ada", "blind-1")

	assert.Equal(t, h, hashPair("Ada", "blind-1"))
	assert.NotEqual(t, h, hashPair("Ada", "blind-2"))
	assert.NotEqual(t, h, hashPair("Eve", "blind-1"))
}

func TestBlindProfileSkipsEmptyFields(t *testing.T) {
	p := models.Profile{FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10"}

	hashes, src, err := blindProfile(p)
	require.NoError(t, err)

	assert.Len(t, hashes, 3)
	assert.Len(t, src, 3)
	for name, field := range src {
		assert.Equal(t, hashes[name], hashPair(field.Value, field.Blinding))
	}
	_, ok := hashes["country"]
	assert.False(t, ok)
}

func TestBlindProfileFreshBlindings(t *testing.T) {
	p := models.Profile{FirstName: "Ada", LastName: "Lovelace", DOB: "1815-12-10"}

	_, first, err := blindProfile(p)
	require.NoError(t, err)
	_, second, err := blindProfile(p)
	require.NoError(t, err)

	assert.NotEqual(t, first["first_name"].Blinding, second["first_name"].Blinding)
}

func TestProfileHashDeterministic(t *testing.T) {
	hashes := map[string]string{"first_name": "a", "last_name": "b"}
	assert.Equal(t, profileHash(hashes), profileHash(map[string]string{"last_name": "b", "first_name": "a"}))
}
