package e2ee

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/id"
)

const (
	testUserID   = id.UserID("@account:example.org")
	testDeviceID = id.DeviceID("TESTDEV")
)

func TestNewOlmAccount(t *testing.T) {
	account, err := NewOlmAccount()
	require.NoError(t, err)
	assert.NotEmpty(t, account.SigningKey)
	assert.NotEmpty(t, account.IdentityKey)
	assert.False(t, account.Shared)
}

func TestOlmAccount_InitialKeysSignature(t *testing.T) {
	account, err := NewOlmAccount()
	require.NoError(t, err)

	deviceKeys, err := account.getInitialKeys(testUserID, testDeviceID)
	require.NoError(t, err)
	assert.Equal(t, testUserID, deviceKeys.UserID)
	assert.Equal(t, testDeviceID, deviceKeys.DeviceID)
	assert.Equal(t, account.SigningKey, deviceKeys.Ed25519())
	assert.Equal(t, account.IdentityKey, deviceKeys.Curve25519())

	assert.True(t, verifySignatureJSON(deviceKeys, testUserID, testDeviceID.String(), account.SigningKey),
		"device key bundle should verify against the account's own signing key")
	assert.False(t, verifySignatureJSON(deviceKeys, testUserID, testDeviceID.String(), id.Ed25519("wrong")),
		"verification should fail with the wrong key")
}

func TestOlmAccount_OneTimeKeyTopUp(t *testing.T) {
	account, err := NewOlmAccount()
	require.NoError(t, err)

	max := int(account.Internal.MaxNumberOfOneTimeKeys())
	keys, err := account.getOneTimeKeys(testUserID, testDeviceID, 0)
	require.NoError(t, err)
	assert.Len(t, keys, max/2, "empty server pool should be topped up to half the maximum")

	for _, key := range keys {
		assert.True(t, verifySignatureJSON(&key, testUserID, testDeviceID.String(), account.SigningKey),
			"every one-time key should be individually signed")
	}

	account.Internal.MarkKeysAsPublished()

	// With the server already half full there's nothing new to generate.
	keys, err = account.getOneTimeKeys(testUserID, testDeviceID, max/2)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCanonicalSigningPayload_StripsSignaturesAndUnsigned(t *testing.T) {
	type signable struct {
		Value      string         `json:"value"`
		Signatures Signatures     `json:"signatures,omitempty"`
		Unsigned   map[string]any `json:"unsigned,omitempty"`
	}
	plain, err := canonicalSigningPayload(&signable{Value: "x"})
	require.NoError(t, err)
	decorated, err := canonicalSigningPayload(&signable{
		Value:      "x",
		Signatures: Signatures{"@u:x": {"ed25519:DEV": "sig"}},
		Unsigned:   map[string]any{"device_display_name": "Phone"},
	})
	require.NoError(t, err)
	assert.Equal(t, plain, decorated, "signatures and unsigned must not affect the signed payload")
}
