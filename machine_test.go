package e2ee

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const testRoomID = id.RoomID("!room:example.org")

type testStateStore struct {
	encrypted map[id.RoomID]*event.EncryptionEventContent
}

func newTestStateStore() *testStateStore {
	return &testStateStore{
		encrypted: map[id.RoomID]*event.EncryptionEventContent{
			testRoomID: {Algorithm: id.AlgorithmMegolmV1},
		},
	}
}

func (ss *testStateStore) IsEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	_, ok := ss.encrypted[roomID]
	return ok, nil
}

func (ss *testStateStore) GetEncryptionEvent(_ context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	return ss.encrypted[roomID], nil
}

func (ss *testStateStore) FindSharedRooms(_ context.Context, _ id.UserID) ([]id.RoomID, error) {
	return []id.RoomID{testRoomID}, nil
}

// testEnv wires multiple machines together with an in-memory transport, so
// to-device events sent by one land in the others synchronously.
type testEnv struct {
	t          *testing.T
	stateStore *testStateStore

	lock     sync.Mutex
	machines map[id.UserID]map[id.DeviceID]*OlmMachine
	uploads  int
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		t:          t,
		stateStore: newTestStateStore(),
		machines:   make(map[id.UserID]map[id.DeviceID]*OlmMachine),
	}
}

func (env *testEnv) addMachine(userID id.UserID, deviceID id.DeviceID) *OlmMachine {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mach := NewOlmMachine(&envTransport{env: env, sender: userID}, log, NewMemoryStore(), env.stateStore, userID, deviceID)
	require.NoError(env.t, mach.Load(context.Background()))
	if _, ok := env.machines[userID]; !ok {
		env.machines[userID] = make(map[id.DeviceID]*OlmMachine)
	}
	env.machines[userID][deviceID] = mach
	return mach
}

// syncDevices stores every machine's device identity in every other
// machine's store, as if everyone had queried everyone's keys already.
func (env *testEnv) syncDevices() {
	ctx := context.Background()
	for _, devices := range env.machines {
		for _, target := range devices {
			for userID, userDevices := range env.machines {
				identities := make(map[id.DeviceID]*DeviceIdentity, len(userDevices))
				for deviceID, mach := range userDevices {
					identities[deviceID] = &DeviceIdentity{
						UserID:      userID,
						DeviceID:    deviceID,
						IdentityKey: mach.Account.IdentityKey,
						SigningKey:  mach.Account.SigningKey,
					}
				}
				require.NoError(env.t, target.Store.PutDevices(ctx, userID, identities))
			}
		}
	}
}

type envTransport struct {
	env    *testEnv
	sender id.UserID
}

func (tr *envTransport) deliver(ctx context.Context, eventType event.Type, userID id.UserID, deviceID id.DeviceID, content *event.Content) {
	tr.env.lock.Lock()
	target := tr.env.machines[userID][deviceID]
	tr.env.lock.Unlock()
	if target == nil {
		return
	}
	target.HandleToDeviceEvent(ctx, &event.Event{
		Sender:  tr.sender,
		Type:    eventType,
		Content: *content,
	})
}

func (tr *envTransport) SendToDevice(ctx context.Context, eventType event.Type, messages ToDeviceMessages) error {
	for userID, devices := range messages {
		for deviceID, content := range devices {
			tr.deliver(ctx, eventType, userID, deviceID, content)
		}
	}
	return nil
}

func (tr *envTransport) SendToOneDevice(ctx context.Context, eventType event.Type, userID id.UserID, deviceID id.DeviceID, content *event.Content) error {
	tr.deliver(ctx, eventType, userID, deviceID, content)
	return nil
}

func (tr *envTransport) QueryKeys(_ context.Context, req *ReqQueryKeys) (*RespQueryKeys, error) {
	resp := &RespQueryKeys{DeviceKeys: make(map[id.UserID]map[id.DeviceID]DeviceKeys)}
	tr.env.lock.Lock()
	defer tr.env.lock.Unlock()
	for userID := range req.DeviceKeys {
		devices, ok := tr.env.machines[userID]
		if !ok {
			continue
		}
		resp.DeviceKeys[userID] = make(map[id.DeviceID]DeviceKeys, len(devices))
		for deviceID, mach := range devices {
			deviceKeys, err := mach.Account.getInitialKeys(userID, deviceID)
			if err != nil {
				return nil, err
			}
			resp.DeviceKeys[userID][deviceID] = *deviceKeys
		}
	}
	return resp, nil
}

func (tr *envTransport) ClaimKeys(_ context.Context, req *ReqClaimKeys) (*RespClaimKeys, error) {
	resp := &RespClaimKeys{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey)}
	tr.env.lock.Lock()
	defer tr.env.lock.Unlock()
	for userID, devices := range req.OneTimeKeys {
		resp.OneTimeKeys[userID] = make(map[id.DeviceID]map[id.KeyID]OneTimeKey)
		for deviceID := range devices {
			mach, ok := tr.env.machines[userID][deviceID]
			if !ok {
				continue
			}
			keys, err := mach.Account.getOneTimeKeys(userID, deviceID, 0)
			if err != nil {
				return nil, err
			}
			mach.Account.Internal.MarkKeysAsPublished()
			claimed := make(map[id.KeyID]OneTimeKey, 1)
			for keyID, key := range keys {
				claimed[keyID] = key
				break
			}
			resp.OneTimeKeys[userID][deviceID] = claimed
		}
	}
	return resp, nil
}

func (tr *envTransport) UploadKeys(_ context.Context, _ *ReqUploadKeys) (*RespUploadKeys, error) {
	tr.env.lock.Lock()
	tr.env.uploads++
	tr.env.lock.Unlock()
	return &RespUploadKeys{}, nil
}

func encryptedRoomEvent(sender id.UserID, eventID id.EventID, timestamp int64, content *event.EncryptedEventContent) *event.Event {
	return &event.Event{
		ID:        eventID,
		RoomID:    testRoomID,
		Sender:    sender,
		Timestamp: timestamp,
		Type:      event.EventEncrypted,
		Content:   event.Content{Parsed: content},
	}
}

func TestShareAndDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	err := alice.ShareGroupSession(ctx, testRoomID, []id.UserID{alice.UserID, bob.UserID})
	require.NoError(t, err)

	session, err := alice.Store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.True(t, session.Shared)
	assert.True(t, bob.Store.HasGroupSession(ctx, testRoomID, session.ID()))

	encrypted, err := alice.EncryptMegolmEvent(ctx, testRoomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "how's the weather over there",
	})
	require.NoError(t, err)

	decrypted, err := bob.DecryptMegolmEvent(ctx, encryptedRoomEvent(alice.UserID, "$first", 1000, encrypted))
	require.NoError(t, err)
	require.IsType(t, &event.MessageEventContent{}, decrypted.Content.Parsed)
	assert.Equal(t, "how's the weather over there", decrypted.Content.Parsed.(*event.MessageEventContent).Body)
	assert.True(t, decrypted.Mautrix.WasEncrypted)

	// Same event ID and timestamp is a server retransmit, not a replay.
	_, err = bob.DecryptMegolmEvent(ctx, encryptedRoomEvent(alice.UserID, "$first", 1000, encrypted))
	require.NoError(t, err)

	// Different event ID with the same ratchet index is a replay.
	_, err = bob.DecryptMegolmEvent(ctx, encryptedRoomEvent(alice.UserID, "$replay", 2000, encrypted))
	require.ErrorIs(t, err, ErrDuplicateMessageIndex)
}

func TestShareGroupSession_AlreadyShared(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	users := []id.UserID{alice.UserID, bob.UserID}
	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, users))
	err := alice.ShareGroupSession(ctx, testRoomID, users)
	require.ErrorIs(t, err, ErrGroupSessionAlreadyShared)
}

func TestShareGroupSession_ConcurrentCallerWaits(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	users := []id.UserID{alice.UserID, bob.UserID}
	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, users))

	// Simulate a share still in flight by parking a gate in the map, then
	// releasing it after the second caller has started waiting.
	gate := make(chan struct{})
	alice.shareGates.Store(testRoomID, gate)
	done := make(chan error, 1)
	go func() {
		done <- alice.ShareGroupSession(ctx, testRoomID, users)
	}()
	select {
	case err := <-done:
		t.Fatalf("share did not wait for the in-flight one: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	alice.shareGates.Delete(testRoomID)
	close(gate)
	require.ErrorIs(t, <-done, ErrGroupSessionAlreadyShared)

	// A cancelled context stops the wait instead of leaking the goroutine.
	alice.shareGates.Store(testRoomID, make(chan struct{}))
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, alice.ShareGroupSession(cancelCtx, testRoomID, users), context.Canceled)
	alice.shareGates.Delete(testRoomID)
}

func TestShareGroupSession_BlacklistedDeviceWithheld(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	bobDevice, err := alice.Store.GetDevice(ctx, bob.UserID, bob.DeviceID)
	require.NoError(t, err)
	bobDevice.Trust = id.TrustStateBlacklisted
	require.NoError(t, alice.Store.PutDevice(ctx, bob.UserID, bobDevice))

	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, []id.UserID{alice.UserID, bob.UserID}))

	session, err := alice.Store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	assert.True(t, session.Shared)
	assert.Contains(t, session.UsersIgnored, UserDevice{bob.UserID, bob.DeviceID})
	assert.False(t, bob.Store.HasGroupSession(ctx, testRoomID, session.ID()))
}

func TestFetchKeys_DeviceRemovalInvalidatesSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, []id.UserID{alice.UserID, bob.UserID}))

	// Bob logs out his only device; the next key query returns nothing for him.
	env.lock.Lock()
	env.machines[bob.UserID] = map[id.DeviceID]*OlmMachine{}
	env.lock.Unlock()
	_, err := alice.FetchKeys(ctx, []id.UserID{bob.UserID}, false)
	require.NoError(t, err)

	_, err = alice.EncryptMegolmEvent(ctx, testRoomID, event.EventMessage, &event.MessageEventContent{Body: "x"})
	require.ErrorIs(t, err, ErrNoGroupSession)
}

func TestEncryptMegolmEvent_NoSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")

	_, err := alice.EncryptMegolmEvent(ctx, testRoomID, event.EventMessage, &event.MessageEventContent{Body: "x"})
	require.ErrorIs(t, err, ErrNoGroupSession)
}

func TestDecryptMegolmEvent_SessionNotFound(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.addMachine("@bob:example.org", "BOBDEV")

	evt := encryptedRoomEvent("@alice:example.org", "$evt", 1000, &event.EncryptedEventContent{
		Algorithm: id.AlgorithmMegolmV1,
		SessionID: "unknown-session",
	})
	_, err := bob.DecryptMegolmEvent(ctx, evt)
	require.ErrorIs(t, err, ErrSessionNotFound)
	var notFound SessionNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, id.SessionID("unknown-session"), notFound.SessionID)
}

func TestWaitForSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.addMachine("@bob:example.org", "BOBDEV")

	const sessionID = id.SessionID("some-session")
	done := make(chan bool, 1)
	go func() {
		done <- bob.WaitForSession(ctx, testRoomID, sessionID, 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	bob.markSessionReceived(sessionID)
	select {
	case got := <-done:
		assert.True(t, got)
	case <-time.After(time.Second):
		t.Fatal("WaitForSession didn't return after session was marked received")
	}

	// Timeout path falls back to the store.
	assert.False(t, bob.WaitForSession(ctx, testRoomID, "other-session", 10*time.Millisecond))
}

func TestHandleOTKCount_UploadsWhenLow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")

	require.NoError(t, alice.HandleOTKCount(ctx, &OTKCount{SignedCurve25519: 0}))
	env.lock.Lock()
	uploads := env.uploads
	env.lock.Unlock()
	assert.Equal(t, 1, uploads)
	assert.True(t, alice.Account.Shared)

	// Plenty of keys on the server, nothing to do.
	require.NoError(t, alice.HandleOTKCount(ctx, &OTKCount{SignedCurve25519: 500}))
	env.lock.Lock()
	uploads = env.uploads
	env.lock.Unlock()
	assert.Equal(t, 1, uploads)
}

func TestWaitForSession_TimeoutRemovesWaiter(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	bob := env.addMachine("@bob:example.org", "BOBDEV")

	const sessionID = id.SessionID("never-arrives")
	assert.False(t, bob.WaitForSession(ctx, testRoomID, sessionID, 10*time.Millisecond))
	_, waiting := bob.sessionWaiters.Load(sessionID)
	assert.False(t, waiting, "timed-out waiter should be removed from the map")
}

func TestLoad_RejectsForeignStore(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryStore()

	first := NewOlmMachine(&envTransport{env: env, sender: "@alice:example.org"}, log, store, env.stateStore, "@alice:example.org", "ALICEDEV")
	require.NoError(t, first.Load(ctx))

	second := NewOlmMachine(&envTransport{env: env, sender: "@alice:example.org"}, log, store, env.stateStore, "@alice:example.org", "OTHERDEV")
	assert.ErrorIs(t, second.Load(ctx), ErrMismatchingStoreDevice)
}

func TestHandleMemberEvent_EquivalentTransitions(t *testing.T) {
	assert.True(t, isEquivalentMembership(event.MembershipInvite, event.MembershipJoin))
	assert.True(t, isEquivalentMembership(event.MembershipBan, event.MembershipLeave))
	assert.True(t, isEquivalentMembership(event.MembershipLeave, event.MembershipBan))
	assert.False(t, isEquivalentMembership(event.MembershipJoin, event.MembershipLeave))
	assert.False(t, isEquivalentMembership(event.MembershipInvite, event.MembershipLeave))
}

func TestHandleMemberEvent_InvalidatesSession(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	alice := env.addMachine("@alice:example.org", "ALICEDEV")
	bob := env.addMachine("@bob:example.org", "BOBDEV")
	env.syncDevices()

	memberEvent := func(prev, current event.Membership) *event.Event {
		evt := &event.Event{
			RoomID:  testRoomID,
			Type:    event.StateMember,
			Content: event.Content{Parsed: &event.MemberEventContent{Membership: current}},
		}
		evt.Unsigned.PrevContent = &event.Content{Parsed: &event.MemberEventContent{Membership: prev}}
		return evt
	}

	require.NoError(t, alice.ShareGroupSession(ctx, testRoomID, []id.UserID{alice.UserID, bob.UserID}))

	// Equivalent transition keeps the session.
	alice.HandleMemberEvent(ctx, memberEvent(event.MembershipInvite, event.MembershipJoin))
	session, err := alice.Store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	assert.NotNil(t, session)

	// A real leave invalidates it.
	alice.HandleMemberEvent(ctx, memberEvent(event.MembershipJoin, event.MembershipLeave))
	session, err = alice.Store.GetOutboundGroupSession(ctx, testRoomID)
	require.NoError(t, err)
	assert.Nil(t, session)
}
