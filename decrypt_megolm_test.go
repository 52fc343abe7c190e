package e2ee

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newRatchetTestSession(t *testing.T) (*OlmMachine, *InboundGroupSession) {
	env := newTestEnv(t)
	mach := env.addMachine("@ratchet:example.org", "RATCHETDEV")

	outbound, err := NewOutboundGroupSession(testRoomID, nil)
	require.NoError(t, err)
	session, err := NewInboundGroupSession(mach.Account.IdentityKey, mach.Account.SigningKey, testRoomID, outbound.Internal.Key(), 0, 0, false)
	require.NoError(t, err)
	require.NoError(t, mach.Store.PutGroupSession(context.Background(), testRoomID, session.SenderKey, session.ID(), session))
	return mach, session
}

func TestRatchetSession_TracksMissedIndices(t *testing.T) {
	ctx := context.Background()
	mach, session := newRatchetTestSession(t)

	require.NoError(t, mach.ratchetSession(ctx, session, 0))
	assert.Equal(t, uint32(1), session.RatchetSafety.NextIndex)
	assert.Empty(t, session.RatchetSafety.MissedIndices)

	// Jumping ahead records the gap.
	require.NoError(t, mach.ratchetSession(ctx, session, 4))
	assert.Equal(t, uint32(5), session.RatchetSafety.NextIndex)
	assert.Equal(t, []uint32{1, 2, 3}, session.RatchetSafety.MissedIndices)

	// A late arrival fills part of the gap.
	require.NoError(t, mach.ratchetSession(ctx, session, 2))
	assert.Equal(t, []uint32{1, 3}, session.RatchetSafety.MissedIndices)
	assert.Equal(t, uint32(5), session.RatchetSafety.NextIndex)
}

func TestRatchetSession_CompactsOldMisses(t *testing.T) {
	ctx := context.Background()
	mach, session := newRatchetTestSession(t)

	require.NoError(t, mach.ratchetSession(ctx, session, 0))
	require.NoError(t, mach.ratchetSession(ctx, session, 4))
	require.Equal(t, []uint32{1, 2, 3}, session.RatchetSafety.MissedIndices)

	// Once the expected index moves more than 10 past a missed index, it is
	// moved to the lost list.
	require.NoError(t, mach.ratchetSession(ctx, session, 20))
	assert.Equal(t, uint32(21), session.RatchetSafety.NextIndex)

	require.NoError(t, mach.ratchetSession(ctx, session, 21))
	assert.NotContains(t, session.RatchetSafety.MissedIndices, uint32(1))
	assert.NotContains(t, session.RatchetSafety.MissedIndices, uint32(2))
	assert.NotContains(t, session.RatchetSafety.MissedIndices, uint32(3))
	assert.Contains(t, session.RatchetSafety.LostIndices, uint32(1))
	assert.Contains(t, session.RatchetSafety.MissedIndices, uint32(11))
}

func TestRatchetSession_DeletesFullyUsedSession(t *testing.T) {
	ctx := context.Background()
	mach, session := newRatchetTestSession(t)
	mach.DeleteFullyUsedKeysOnDecrypt = true
	session.MaxMessages = 1

	require.NoError(t, mach.ratchetSession(ctx, session, 0))
	assert.False(t, mach.Store.HasGroupSession(ctx, testRoomID, session.ID()),
		"session with max_messages=1 should be deleted after its only message")
}

func TestDecryptMegolmEvent_UnknownDeviceTrust(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, []id.UserID{alice.UserID, bob.UserID}))
	encrypted, err := alice.EncryptMegolmEvent(ctx, testRoomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello",
	})
	require.NoError(t, err)

	// Wipe alice from bob's device list and the directory, simulating a
	// session from a device that can't be found anywhere.
	require.NoError(t, bob.Store.PutDevices(ctx, alice.UserID, map[id.DeviceID]*DeviceIdentity{}))
	env.lock.Lock()
	delete(env.machines, alice.UserID)
	env.lock.Unlock()

	decrypted, err := bob.DecryptMegolmEvent(ctx, encryptedRoomEvent(alice.UserID, "$evt", 1000, encrypted))
	require.NoError(t, err)
	assert.Equal(t, id.TrustStateUnknownDevice, decrypted.Mautrix.TrustState)
}
