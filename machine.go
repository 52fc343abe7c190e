package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// OlmMachine handles Matrix end-to-end encryption for a single local device:
// the account and its one-time keys, pairwise Olm sessions, Megolm group
// sessions and their distribution, device tracking and trust resolution.
//
// The surrounding client supplies the Transport and feeds sync data in
// through the Handle* methods; the machine never talks to the network on its
// own.
type OlmMachine struct {
	Transport  Transport
	Log        *slog.Logger
	Store      Store
	StateStore StateStore

	UserID   id.UserID
	DeviceID id.DeviceID

	Account *OlmAccount

	// SendKeysMinTrust is the minimum trust a device needs for outbound
	// group sessions to be encrypted for it. The default (unset) shares to
	// everyone who isn't blacklisted.
	SendKeysMinTrust id.TrustState
	// ShareKeysToUnverifiedDevices allows fulfilling key requests from
	// devices that aren't verified or blacklisted.
	ShareKeysToUnverifiedDevices bool
	// AllowKeyShare overrides the default key request policy. Returning nil
	// accepts the request; returning a *RejectKeyShare denies it.
	AllowKeyShare func(ctx context.Context, device *DeviceIdentity, info event.RequestedKeyInfo) *RejectKeyShare
	// IsUserTrusted reports whether the user is explicitly marked trusted,
	// upgrading cross-signed devices from TOFU to verified.
	IsUserTrusted func(ctx context.Context, userID id.UserID) bool

	DeleteOutboundKeysOnAck      bool
	DontStoreOutboundKeys        bool
	DeletePreviousKeysOnReceive  bool
	RatchetKeysOnDecrypt         bool
	DeleteFullyUsedKeysOnDecrypt bool
	DeleteKeysOnDeviceDelete     bool

	// olmLock serializes ratchet mutation across all pairwise sessions.
	olmLock sync.Mutex
	// claimKeysLock prevents duplicate outbound olm sessions from racing
	// key claims to the same device.
	claimKeysLock sync.Mutex
	// megolmDecryptLock serializes message-index validation and ratchet
	// safety bookkeeping.
	megolmDecryptLock sync.Mutex
	fetchKeysLock     sync.Mutex

	megolmLocks *xsync.Map[id.RoomID, *sync.Mutex]
	shareGates  *xsync.Map[id.RoomID, chan struct{}]

	keyRequestWaiters *xsync.Map[id.SessionID, chan UserDevice]
	sessionWaiters    *xsync.Map[id.SessionID, chan struct{}]

	csFetchGroup     singleflight.Group
	csFetchAttempted *xsync.Map[id.UserID, struct{}]

	recentUnwedges *expirable.LRU[id.SenderKey, time.Time]
}

func NewOlmMachine(transport Transport, log *slog.Logger, store Store, stateStore StateStore, userID id.UserID, deviceID id.DeviceID) *OlmMachine {
	if log == nil {
		log = slog.Default()
	}
	return &OlmMachine{
		Transport:  transport,
		Log:        log,
		Store:      store,
		StateStore: stateStore,
		UserID:     userID,
		DeviceID:   deviceID,

		megolmLocks:       xsync.NewMap[id.RoomID, *sync.Mutex](),
		shareGates:        xsync.NewMap[id.RoomID, chan struct{}](),
		keyRequestWaiters: xsync.NewMap[id.SessionID, chan UserDevice](),
		sessionWaiters:    xsync.NewMap[id.SessionID, chan struct{}](),
		csFetchAttempted:  xsync.NewMap[id.UserID, struct{}](),
		recentUnwedges:    expirable.NewLRU[id.SenderKey, time.Time](512, nil, minUnwedgeInterval),
	}
}

// Load fetches the Olm account from the store, creating and persisting a new
// one if the store is empty.
func (mach *OlmMachine) Load(ctx context.Context) error {
	storedDeviceID, err := mach.Store.GetDeviceID(ctx)
	if err != nil {
		return fmt.Errorf("get device ID from store: %w", err)
	}
	if storedDeviceID != "" && storedDeviceID != mach.DeviceID {
		return fmt.Errorf("%w (store has %s, machine has %s)", ErrMismatchingStoreDevice, storedDeviceID, mach.DeviceID)
	}
	if storedDeviceID == "" {
		if err = mach.Store.PutDeviceID(ctx, mach.DeviceID); err != nil {
			return fmt.Errorf("store device ID: %w", err)
		}
	}
	account, err := mach.Store.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("get account from store: %w", err)
	}
	if account == nil {
		account, err = NewOlmAccount()
		if err != nil {
			return err
		}
		if err = mach.Store.PutAccount(ctx, account); err != nil {
			return fmt.Errorf("store new account: %w", err)
		}
		mach.Log.Debug("created new olm account", "identity_key", account.IdentityKey)
	}
	mach.Account = account
	return nil
}

// OwnIdentity returns the device identity of the local device.
func (mach *OlmMachine) OwnIdentity() *DeviceIdentity {
	return &DeviceIdentity{
		UserID:      mach.UserID,
		DeviceID:    mach.DeviceID,
		IdentityKey: mach.Account.IdentityKey,
		SigningKey:  mach.Account.SigningKey,
		Trust:       id.TrustStateVerified,
	}
}

// HandleOTKCount reacts to the one-time key counts in a sync response,
// re-publishing keys when the server is below the low-water mark.
func (mach *OlmMachine) HandleOTKCount(ctx context.Context, count *OTKCount) error {
	if mach.Account == nil {
		return nil
	}
	minCount := int(mach.Account.Internal.MaxNumberOfOneTimeKeys()) / 2
	if count.SignedCurve25519 < minCount {
		mach.Log.Debug("one-time key count below threshold, uploading more",
			"server_count", count.SignedCurve25519,
			"min_count", minCount,
		)
		return mach.ShareKeys(ctx, count.SignedCurve25519)
	}
	return nil
}

// ShareKeys uploads the device key bundle (first time only) and tops up the
// server-side one-time key pool.
func (mach *OlmMachine) ShareKeys(ctx context.Context, currentOTKCount int) error {
	var deviceKeys *DeviceKeys
	var err error
	if !mach.Account.Shared {
		deviceKeys, err = mach.Account.getInitialKeys(mach.UserID, mach.DeviceID)
		if err != nil {
			return err
		}
		mach.Log.Debug("going to upload initial account keys")
	}
	oneTimeKeys, err := mach.Account.getOneTimeKeys(mach.UserID, mach.DeviceID, currentOTKCount)
	if err != nil {
		return err
	}
	if len(oneTimeKeys) == 0 && deviceKeys == nil {
		mach.Log.Warn("no one-time keys nor device keys got when trying to share keys")
		return nil
	}
	mach.Log.Debug("uploading one-time keys", "count", len(oneTimeKeys))
	_, err = mach.Transport.UploadKeys(ctx, &ReqUploadKeys{DeviceKeys: deviceKeys, OneTimeKeys: oneTimeKeys})
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	mach.Account.Internal.MarkKeysAsPublished()
	mach.Account.Shared = true
	if err = mach.Store.PutAccount(ctx, mach.Account); err != nil {
		return fmt.Errorf("store account after key upload: %w", err)
	}
	return nil
}

// HandleDeviceLists reacts to the device_lists object in a sync response by
// re-fetching keys of changed users that are already tracked.
func (mach *OlmMachine) HandleDeviceLists(ctx context.Context, deviceLists *DeviceLists) {
	if len(deviceLists.Changed) == 0 {
		return
	}
	mach.fetchKeysLock.Lock()
	defer mach.fetchKeysLock.Unlock()
	if _, err := mach.FetchKeys(ctx, deviceLists.Changed, false); err != nil {
		mach.Log.Warn("failed to fetch keys of changed devices", "err", err)
	}
}

// HandleMemberEvent invalidates the room's outbound group session when a
// membership transition in an encrypted room actually changes who should
// hold the key. Equivalent transitions (invite to join, ban and leave in
// either order) don't invalidate.
func (mach *OlmMachine) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	if encrypted, err := mach.StateStore.IsEncrypted(ctx, evt.RoomID); err != nil || !encrypted {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok {
		return
	}
	prevMembership := event.MembershipLeave
	if evt.Unsigned.PrevContent != nil {
		if evt.Unsigned.PrevContent.Parsed == nil {
			_ = evt.Unsigned.PrevContent.ParseRaw(evt.Type)
		}
		if prevContent, ok := evt.Unsigned.PrevContent.Parsed.(*event.MemberEventContent); ok {
			prevMembership = prevContent.Membership
		}
	}
	if prevMembership == content.Membership || isEquivalentMembership(prevMembership, content.Membership) {
		return
	}
	mach.Log.Debug("got membership state event, invalidating group session",
		"room_id", evt.RoomID,
		"target", evt.GetStateKey(),
		"prev_membership", prevMembership,
		"new_membership", content.Membership,
	)
	if err := mach.Store.RemoveOutboundGroupSession(ctx, evt.RoomID); err != nil {
		mach.Log.Warn("failed to invalidate outbound group session", "room_id", evt.RoomID, "err", err)
	}
}

func isEquivalentMembership(prev, cur event.Membership) bool {
	switch prev {
	case event.MembershipInvite:
		return cur == event.MembershipJoin
	case event.MembershipBan:
		return cur == event.MembershipLeave
	case event.MembershipLeave:
		return cur == event.MembershipBan
	}
	return false
}

// HandleToDeviceEvent routes a to-device event from sync to the right
// handler. The content must already be parsed (or parseable) for the event
// type.
func (mach *OlmMachine) HandleToDeviceEvent(ctx context.Context, evt *event.Event) {
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil && evt.Type != ToDeviceRoomKeyAck {
			mach.Log.Debug("failed to parse to-device event content", "type", evt.Type.Type, "err", err)
			return
		}
	}
	switch evt.Type {
	case event.ToDeviceEncrypted:
		mach.HandleEncryptedToDevice(ctx, evt)
	case event.ToDeviceRoomKeyRequest:
		mach.HandleRoomKeyRequest(ctx, evt)
	case event.ToDeviceRoomKeyWithheld, event.ToDeviceOrgMatrixRoomKeyWithheld:
		if content, ok := evt.Content.Parsed.(*event.RoomKeyWithheldEventContent); ok {
			mach.HandleRoomKeyWithheld(ctx, content)
		}
	case ToDeviceRoomKeyAck:
		mach.HandleRoomKeyAck(ctx, evt)
	default:
		mach.Log.Debug("ignoring unhandled to-device event", "type", evt.Type.Type, "sender", evt.Sender)
	}
}

// HandleEncryptedToDevice decrypts an m.room.encrypted to-device event and
// routes the plaintext to the room key or forwarded room key handlers.
func (mach *OlmMachine) HandleEncryptedToDevice(ctx context.Context, evt *event.Event) {
	decrypted, err := mach.decryptOlmEvent(ctx, evt)
	if err != nil {
		mach.Log.Warn("failed to decrypt to-device event", "sender", evt.Sender, "err", err)
		return
	}
	if err = decrypted.Content.ParseRaw(decrypted.Type); err != nil {
		mach.Log.Debug("failed to parse decrypted to-device payload",
			"sender", decrypted.Sender,
			"type", decrypted.Type.Type,
			"err", err,
		)
		return
	}
	switch decrypted.Type {
	case event.ToDeviceRoomKey:
		mach.receiveRoomKey(ctx, decrypted)
	case event.ToDeviceForwardedRoomKey:
		mach.receiveForwardedRoomKey(ctx, decrypted)
	}
}

func (mach *OlmMachine) receiveRoomKey(ctx context.Context, evt *DecryptedOlmEvent) {
	content, ok := evt.Content.Parsed.(*event.RoomKeyEventContent)
	if !ok {
		mach.Log.Warn("unexpected content in room key event", "sender", evt.Sender)
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 || evt.Keys.Ed25519 == "" {
		return
	}
	maxAge := time.Duration(content.MaxAge) * time.Millisecond
	maxMessages := content.MaxMessages
	if maxAge == 0 || maxMessages == 0 {
		if encryptionContent, err := mach.StateStore.GetEncryptionEvent(ctx, content.RoomID); err == nil && encryptionContent != nil {
			if maxAge == 0 {
				maxAge = time.Duration(encryptionContent.RotationPeriodMillis) * time.Millisecond
			}
			if maxMessages == 0 {
				maxMessages = encryptionContent.RotationPeriodMessages
			}
		}
	}
	if mach.DeletePreviousKeysOnReceive && !content.IsScheduled {
		removed, err := mach.Store.RedactGroupSessions(ctx, content.RoomID, evt.SenderKey, "received new key from device")
		if err != nil {
			mach.Log.Warn("failed to redact previous megolm sessions", "err", err)
		} else if len(removed) > 0 {
			mach.Log.Info("redacted previous megolm sessions", "session_ids", removed)
		}
	}
	err := mach.createGroupSession(ctx, evt.SenderKey, evt.Keys.Ed25519, content.RoomID, content.SessionID, content.SessionKey, maxAge, maxMessages, content.IsScheduled)
	if err != nil {
		mach.Log.Warn("failed to import received room key",
			"room_id", content.RoomID,
			"session_id", content.SessionID,
			"err", err,
		)
	}
}

// roomKeyAckContent is the com.beeper.room_key.ack to-device payload.
type roomKeyAckContent struct {
	RoomID            id.RoomID    `json:"room_id"`
	SessionID         id.SessionID `json:"session_id"`
	FirstMessageIndex int          `json:"first_message_index"`
}

var ToDeviceRoomKeyAck = event.Type{Type: "com.beeper.room_key.ack", Class: event.ToDeviceEventType}

// HandleRoomKeyAck deletes the inbound copy of an outbound session after the
// recipient confirms it got the key, when configured to do so.
func (mach *OlmMachine) HandleRoomKeyAck(ctx context.Context, evt *event.Event) {
	var content roomKeyAckContent
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		mach.Log.Warn("failed to parse room key ack", "sender", evt.Sender, "err", err)
		return
	}
	sess, err := mach.Store.GetGroupSession(ctx, content.RoomID, content.SessionID)
	if err != nil || sess == nil {
		mach.Log.Debug("ignoring room key ack for unknown session", "session_id", content.SessionID)
		return
	}
	if sess.SenderKey == mach.Account.IdentityKey && mach.DeleteOutboundKeysOnAck && content.FirstMessageIndex == 0 {
		mach.Log.Debug("redacting inbound copy of outbound group session after ack", "session_id", content.SessionID)
		err = mach.Store.RedactGroupSession(ctx, content.RoomID, content.SessionID, "outbound session acked")
		if err != nil {
			mach.Log.Warn("failed to redact acked session", "err", err)
		}
	} else {
		mach.Log.Debug("received room key ack", "session_id", content.SessionID)
	}
}

// WaitForSession waits for the inbound group session to show up, either via
// a normal room key or a forwarded one. On timeout it falls back to checking
// the store directly.
func (mach *OlmMachine) WaitForSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, timeout time.Duration) bool {
	ch, _ := mach.sessionWaiters.LoadOrStore(sessionID, make(chan struct{}))
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	mach.removeSessionWaiter(sessionID, ch)
	return mach.Store.HasGroupSession(ctx, roomID, sessionID)
}

// removeSessionWaiter drops the waiter entry unless another channel has
// already replaced it.
func (mach *OlmMachine) removeSessionWaiter(sessionID id.SessionID, ch chan struct{}) {
	mach.sessionWaiters.Compute(sessionID, func(existing chan struct{}, loaded bool) (chan struct{}, xsync.ComputeOp) {
		if loaded && existing == ch {
			return nil, xsync.DeleteOp
		}
		return existing, xsync.CancelOp
	})
}

func (mach *OlmMachine) markSessionReceived(sessionID id.SessionID) {
	mach.sessionWaiters.Compute(sessionID, func(ch chan struct{}, loaded bool) (chan struct{}, xsync.ComputeOp) {
		if loaded {
			close(ch)
		}
		return nil, xsync.DeleteOp
	})
}

// createGroupSession imports a megolm session key as an inbound session and
// wakes up anyone waiting for it.
func (mach *OlmMachine) createGroupSession(ctx context.Context, senderKey id.SenderKey, signingKey id.Ed25519, roomID id.RoomID, sessionID id.SessionID, sessionKey string, maxAge time.Duration, maxMessages int, isScheduled bool) error {
	session, err := NewInboundGroupSession(senderKey, signingKey, roomID, sessionKey, maxAge, maxMessages, isScheduled)
	if err != nil {
		return fmt.Errorf("create inbound group session: %w", err)
	}
	if session.ID() != sessionID {
		mach.Log.Warn("mismatching session IDs in room key event",
			"expected", sessionID,
			"actual", session.ID(),
		)
		sessionID = session.ID()
	}
	if err = mach.Store.PutGroupSession(ctx, roomID, senderKey, sessionID, session); err != nil {
		return fmt.Errorf("store group session: %w", err)
	}
	mach.markSessionReceived(sessionID)
	mach.Log.Debug("created inbound group session",
		"room_id", roomID,
		"sender_key", senderKey,
		"session_id", sessionID,
	)
	return nil
}
