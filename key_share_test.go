package e2ee

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestDefaultAllowKeyShare(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	alice.ShareKeysToUnverifiedDevices = true

	info := event.RequestedKeyInfo{
		Algorithm: id.AlgorithmMegolmV1,
		RoomID:    testRoomID,
		SessionID: "session",
	}

	rejection := alice.defaultAllowKeyShare(ctx, &DeviceIdentity{
		UserID:   "@mallory:example.org",
		DeviceID: "EVILDEV",
	}, info)
	require.NotNil(t, rejection)
	assert.Equal(t, event.RoomKeyWithheldUnauthorized, rejection.Code)

	rejection = alice.defaultAllowKeyShare(ctx, &DeviceIdentity{
		UserID:   alice.UserID,
		DeviceID: alice.DeviceID,
	}, info)
	require.NotNil(t, rejection)
	assert.Empty(t, rejection.Code, "own device should be rejected silently")

	rejection = alice.defaultAllowKeyShare(ctx, &DeviceIdentity{
		UserID:   alice.UserID,
		DeviceID: "OTHERDEV",
		Trust:    id.TrustStateBlacklisted,
	}, info)
	require.NotNil(t, rejection)
	assert.Equal(t, event.RoomKeyWithheldBlacklisted, rejection.Code)

	rejection = alice.defaultAllowKeyShare(ctx, &DeviceIdentity{
		UserID:   alice.UserID,
		DeviceID: "OTHERDEV",
	}, info)
	assert.Nil(t, rejection, "unverified same-user device is allowed with ShareKeysToUnverifiedDevices")

	alice.ShareKeysToUnverifiedDevices = false
	rejection = alice.defaultAllowKeyShare(ctx, &DeviceIdentity{
		UserID:   alice.UserID,
		DeviceID: "OTHERDEV",
	}, info)
	require.NotNil(t, rejection)
	assert.Equal(t, event.RoomKeyWithheldUnverified, rejection.Code)
}

// A second device of the same user requests the key for a session the first
// device has, and gets it forwarded over olm.
func TestRequestRoomKey_ForwardedBetweenOwnDevices(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "FIRSTDEV")
	alice2 := env.addMachine("@alice:example.org", "SECONDDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	alice.ShareKeysToUnverifiedDevices = true

	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	outbound, err := alice.Store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	sessionID := outbound.ID()
	require.True(t, alice2.Store.HasGroupSession(ctx, testRoomID, sessionID))

	// Drop the session from the second device and request it back.
	require.NoError(t, alice2.Store.RedactGroupSession(ctx, testRoomID, sessionID, "test"))
	require.False(t, alice2.Store.HasGroupSession(ctx, testRoomID, sessionID))

	gotKeys, err := alice2.RequestRoomKey(ctx, testRoomID, alice.Account.IdentityKey, sessionID,
		map[id.UserID][]id.DeviceID{alice.UserID: {alice.DeviceID}}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, gotKeys)
	assert.True(t, alice2.Store.HasGroupSession(ctx, testRoomID, sessionID))

	// The reimported session carries the forwarding chain.
	session, err := alice2.Store.GetGroupSession(ctx, testRoomID, sessionID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, []string{string(alice.Account.IdentityKey)}, session.ForwardingChains)
}

func TestHandleRoomKeyRequest_UnknownSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "FIRSTDEV")
	alice2 := env.addMachine("@alice:example.org", "SECONDDEV")
	env.syncDevices()
	alice.ShareKeysToUnverifiedDevices = true

	// No waiting: the request goes out, alice rejects with "unavailable",
	// and no session shows up on the requesting device.
	gotKeys, err := alice2.RequestRoomKey(ctx, testRoomID, alice.Account.IdentityKey, "no-such-session",
		map[id.UserID][]id.DeviceID{alice.UserID: {alice.DeviceID}}, 0)
	require.NoError(t, err)
	assert.False(t, gotKeys)
	assert.False(t, alice2.Store.HasGroupSession(ctx, testRoomID, "no-such-session"))
}
