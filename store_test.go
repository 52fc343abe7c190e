package e2ee

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/id"
)

func TestMemoryStore_ValidateMessageIndex(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	const senderKey = id.SenderKey("sender")
	const sessionID = id.SessionID("session")

	ok, err := store.ValidateMessageIndex(ctx, senderKey, sessionID, "$event1", 0, 1000)
	require.NoError(t, err)
	assert.True(t, ok, "first sighting of an index should be valid")

	ok, err = store.ValidateMessageIndex(ctx, senderKey, sessionID, "$event1", 0, 1000)
	require.NoError(t, err)
	assert.True(t, ok, "identical resubmission should be valid")

	ok, err = store.ValidateMessageIndex(ctx, senderKey, sessionID, "$event2", 0, 1000)
	require.NoError(t, err)
	assert.False(t, ok, "different event ID on the same index should be invalid")

	ok, err = store.ValidateMessageIndex(ctx, senderKey, sessionID, "$event1", 0, 2000)
	require.NoError(t, err)
	assert.False(t, ok, "different timestamp on the same index should be invalid")

	ok, err = store.ValidateMessageIndex(ctx, senderKey, sessionID, "$event2", 1, 2000)
	require.NoError(t, err)
	assert.True(t, ok, "new index should be valid")
}

func TestMemoryStore_CrossSigningTOFU(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	const userID = id.UserID("@user:example.org")

	require.NoError(t, store.PutCrossSigningKey(ctx, userID, id.XSUsageMaster, "first-key"))
	keys, err := store.GetCrossSigningKeys(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, id.Ed25519("first-key"), keys[id.XSUsageMaster].Key)
	assert.Equal(t, id.Ed25519("first-key"), keys[id.XSUsageMaster].First)

	// Key replacement keeps the first seen key for divergence checks.
	require.NoError(t, store.PutCrossSigningKey(ctx, userID, id.XSUsageMaster, "second-key"))
	keys, err = store.GetCrossSigningKeys(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, id.Ed25519("second-key"), keys[id.XSUsageMaster].Key)
	assert.Equal(t, id.Ed25519("first-key"), keys[id.XSUsageMaster].First)
}

func TestMemoryStore_TrackedUsers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	const tracked = id.UserID("@tracked:example.org")
	const untracked = id.UserID("@untracked:example.org")

	devices, err := store.GetDevices(ctx, untracked)
	require.NoError(t, err)
	assert.Nil(t, devices, "untracked user should return nil")

	require.NoError(t, store.PutDevices(ctx, tracked, map[id.DeviceID]*DeviceIdentity{}))
	devices, err = store.GetDevices(ctx, tracked)
	require.NoError(t, err)
	assert.NotNil(t, devices, "tracked user with no devices should return an empty map")

	input := []id.UserID{untracked, tracked}
	filtered, err := store.FilterTrackedUsers(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, []id.UserID{tracked}, filtered)
	assert.Equal(t, []id.UserID{untracked, tracked}, input, "filtering must not mutate the input slice")
}

func TestMemoryStore_Signatures(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	signer := CrossSigner{UserID: "@user:example.org", Key: "signer-key"}
	target := CrossSigner{UserID: "@user:example.org", Key: "target-key"}

	signed, err := store.IsKeySignedBy(ctx, target, signer)
	require.NoError(t, err)
	assert.False(t, signed)

	require.NoError(t, store.PutSignature(ctx, target, signer, "sig"))
	signed, err = store.IsKeySignedBy(ctx, target, signer)
	require.NoError(t, err)
	assert.True(t, signed)

	count, err := store.DropSignaturesByKey(ctx, signer)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	signed, err = store.IsKeySignedBy(ctx, target, signer)
	require.NoError(t, err)
	assert.False(t, signed)
}

func TestMemoryStore_RedactGroupSessionsBySender(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	put := func(roomID id.RoomID, sessionID id.SessionID, senderKey id.SenderKey) {
		require.NoError(t, store.PutGroupSession(ctx, roomID, senderKey, sessionID, &InboundGroupSession{
			RoomID:    roomID,
			SenderKey: senderKey,
		}))
	}
	put("!a:x", "s1", "key1")
	put("!a:x", "s2", "key2")
	put("!b:x", "s3", "key1")

	deleted, err := store.RedactGroupSessions(ctx, "!a:x", "key1", "test")
	require.NoError(t, err)
	assert.Equal(t, []id.SessionID{"s1"}, deleted)
	assert.False(t, store.HasGroupSession(ctx, "!a:x", "s1"))
	assert.True(t, store.HasGroupSession(ctx, "!a:x", "s2"))
	assert.True(t, store.HasGroupSession(ctx, "!b:x", "s3"))

	// Empty room ID matches every room for the sender key.
	deleted, err = store.RedactGroupSessions(ctx, "", "key1", "test")
	require.NoError(t, err)
	assert.Equal(t, []id.SessionID{"s3"}, deleted)
}
