package e2ee

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// EncryptMegolmEvent encrypts a room event with the room's current outbound
// group session. ErrNoGroupSession, ErrGroupSessionNotShared and
// ErrGroupSessionExpired mean the caller must (re)share the session with
// ShareGroupSession and retry.
func (mach *OlmMachine) EncryptMegolmEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, content any) (*event.EncryptedEventContent, error) {
	lock := mach.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()
	session, err := mach.Store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("get outbound group session: %w", err)
	}
	if session == nil {
		return nil, ErrNoGroupSession
	}
	plaintext, err := json.Marshal(&megolmPayload{
		RoomID:  roomID,
		Type:    evtType.Type,
		Content: content,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal megolm payload: %w", err)
	}
	ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	if err = mach.Store.UpdateOutboundGroupSession(ctx, session); err != nil {
		mach.Log.Warn("failed to update outbound group session after encrypting", "room_id", roomID, "err", err)
	}
	return &event.EncryptedEventContent{
		Algorithm:        id.AlgorithmMegolmV1,
		SenderKey:        mach.Account.IdentityKey,
		DeviceID:         mach.DeviceID,
		SessionID:        session.ID(),
		MegolmCiphertext: ciphertext,
	}, nil
}

type megolmPayload struct {
	RoomID  id.RoomID `json:"room_id"`
	Type    string    `json:"type"`
	Content any       `json:"content"`
}

func (mach *OlmMachine) roomLock(roomID id.RoomID) *sync.Mutex {
	lock, _ := mach.megolmLocks.LoadOrStore(roomID, &sync.Mutex{})
	return lock
}

// deviceShareState classifies what happened (or should happen) for one device
// during a group session share.
type deviceShareState int

const (
	deviceShareReady deviceShareState = iota
	deviceShareAlreadyShared
	deviceShareWithheld
)

type deviceShareResult struct {
	device *DeviceIdentity
	state  deviceShareState
	// withheld is set for deviceShareWithheld.
	withheld *event.RoomKeyWithheldEventContent
}

// ShareGroupSession makes sure an outbound group session exists for the room
// and distributes its key to every eligible device of the given users.
// Only one share runs per room at a time; concurrent callers block until the
// in-flight one finishes and then re-check, so they typically return
// ErrGroupSessionAlreadyShared. The session is only marked shared after every
// message went out, so a failed share can be retried safely.
func (mach *OlmMachine) ShareGroupSession(ctx context.Context, roomID id.RoomID, users []id.UserID) error {
	for {
		gate := make(chan struct{})
		existing, loaded := mach.shareGates.LoadOrStore(roomID, gate)
		if !loaded {
			defer func() {
				mach.shareGates.Delete(roomID)
				close(gate)
			}()
			return mach.shareGroupSession(ctx, roomID, users)
		}
		select {
		case <-existing:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (mach *OlmMachine) shareGroupSession(ctx context.Context, roomID id.RoomID, users []id.UserID) error {
	session, err := mach.Store.GetOutboundGroupSession(ctx, roomID)
	if err != nil {
		return fmt.Errorf("get outbound group session: %w", err)
	}
	if session != nil && session.Shared && !session.Expired() {
		return ErrGroupSessionAlreadyShared
	}
	if session == nil || session.Expired() {
		var encryptionContent *event.EncryptionEventContent
		encryptionContent, err = mach.StateStore.GetEncryptionEvent(ctx, roomID)
		if err != nil {
			mach.Log.Warn("failed to get encryption event for room", "room_id", roomID, "err", err)
		}
		if encryptionContent != nil && encryptionContent.Algorithm != id.AlgorithmMegolmV1 {
			return ErrUnsupportedRoomAlgorithm
		}
		session, err = NewOutboundGroupSession(roomID, encryptionContent)
		if err != nil {
			return fmt.Errorf("create outbound group session: %w", err)
		}
		if err = mach.Store.AddOutboundGroupSession(ctx, session); err != nil {
			return fmt.Errorf("store new outbound group session: %w", err)
		}
	}
	mach.Log.Debug("sharing group session",
		"room_id", roomID,
		"session_id", session.ID(),
		"users", len(users),
	)

	shareContent := session.ShareContent()
	// Keep an inbound copy so our own messages can be decrypted and the key
	// can be forwarded to our other devices later.
	if !mach.DontStoreOutboundKeys && !mach.Store.HasGroupSession(ctx, roomID, session.ID()) {
		err = mach.createGroupSession(ctx, mach.Account.IdentityKey, mach.Account.SigningKey, roomID, session.ID(), shareContent.SessionKey, session.MaxAge, session.MaxMessages, false)
		if err != nil {
			mach.Log.Warn("failed to store inbound copy of outbound session", "room_id", roomID, "err", err)
		}
	}

	mach.fetchKeysLock.Lock()
	deviceMaps, err := mach.collectShareDevices(ctx, users)
	mach.fetchKeysLock.Unlock()
	if err != nil {
		return err
	}

	var plan []deviceShareResult
	withheldMessages := make(ToDeviceMessages)
	missingSessions := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity)
	for userID, devices := range deviceMaps {
		for deviceID, device := range devices {
			result := mach.classifyShareTarget(ctx, session, device, shareContent)
			switch result.state {
			case deviceShareAlreadyShared:
				continue
			case deviceShareWithheld:
				session.UsersIgnored[UserDevice{userID, deviceID}] = struct{}{}
				if result.withheld != nil {
					if _, ok := withheldMessages[userID]; !ok {
						withheldMessages[userID] = make(map[id.DeviceID]*event.Content)
					}
					withheldMessages[userID][deviceID] = &event.Content{Parsed: result.withheld}
				}
			case deviceShareReady:
				if !mach.Store.HasSession(ctx, device.IdentityKey) {
					if _, ok := missingSessions[userID]; !ok {
						missingSessions[userID] = make(map[id.DeviceID]*DeviceIdentity)
					}
					missingSessions[userID][deviceID] = device
				}
				plan = append(plan, result)
			}
		}
	}

	if len(missingSessions) > 0 {
		mach.claimKeysLock.Lock()
		err = mach.createOutboundSessions(ctx, missingSessions)
		mach.claimKeysLock.Unlock()
		if err != nil {
			mach.Log.Warn("failed to create outbound olm sessions for key sharing", "err", err)
		}
	}

	encryptedMessages := make(ToDeviceMessages)
	mach.olmLock.Lock()
	for _, item := range plan {
		device := item.device
		olmSession, err := mach.Store.GetLatestSession(ctx, device.IdentityKey)
		if err != nil {
			mach.olmLock.Unlock()
			return fmt.Errorf("get olm session for %s: %w", device.DeviceID, err)
		}
		if olmSession == nil {
			session.UsersIgnored[UserDevice{device.UserID, device.DeviceID}] = struct{}{}
			withheld := &event.RoomKeyWithheldEventContent{
				RoomID:    roomID,
				Algorithm: id.AlgorithmMegolmV1,
				SessionID: session.ID(),
				SenderKey: mach.Account.IdentityKey,
				Code:      event.RoomKeyWithheldNoOlmSession,
				Reason:    "There was no one-time key available to create an Olm session",
			}
			if _, ok := withheldMessages[device.UserID]; !ok {
				withheldMessages[device.UserID] = make(map[id.DeviceID]*event.Content)
			}
			withheldMessages[device.UserID][device.DeviceID] = &event.Content{Parsed: withheld}
			continue
		}
		encrypted, err := mach.encryptOlmEvent(ctx, olmSession, device, event.ToDeviceRoomKey, event.Content{Parsed: shareContent})
		if err != nil {
			mach.olmLock.Unlock()
			return fmt.Errorf("encrypt room key for %s of %s: %w", device.DeviceID, device.UserID, err)
		}
		if _, ok := encryptedMessages[device.UserID]; !ok {
			encryptedMessages[device.UserID] = make(map[id.DeviceID]*event.Content)
		}
		encryptedMessages[device.UserID][device.DeviceID] = &event.Content{Parsed: encrypted}
		session.UsersSharedWith[UserDevice{device.UserID, device.DeviceID}] = struct{}{}
	}
	mach.olmLock.Unlock()

	if len(encryptedMessages) > 0 {
		if err = mach.Transport.SendToDevice(ctx, event.ToDeviceEncrypted, encryptedMessages); err != nil {
			return fmt.Errorf("send encrypted room keys: %w", err)
		}
	}
	if len(withheldMessages) > 0 {
		if err = mach.Transport.SendToDevice(ctx, event.ToDeviceRoomKeyWithheld, withheldMessages); err != nil {
			mach.Log.Warn("failed to send room key withheld events", "room_id", roomID, "err", err)
		} else if err = mach.Transport.SendToDevice(ctx, event.ToDeviceOrgMatrixRoomKeyWithheld, withheldMessages); err != nil {
			mach.Log.Warn("failed to send legacy room key withheld events", "room_id", roomID, "err", err)
		}
	}

	mach.Log.Debug("group session shared",
		"room_id", roomID,
		"session_id", session.ID(),
		"shared_with", len(session.UsersSharedWith),
		"withheld_from", len(session.UsersIgnored),
	)
	session.Shared = true
	if mach.DontStoreOutboundKeys {
		return mach.Store.RedactGroupSession(ctx, roomID, session.ID(), "not storing outbound keys")
	}
	return mach.Store.UpdateOutboundGroupSession(ctx, session)
}

// collectShareDevices fetches device lists for all users, hitting the server
// only for users that aren't tracked yet.
func (mach *OlmMachine) collectShareDevices(ctx context.Context, users []id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	deviceMaps := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(users))
	var missing []id.UserID
	for _, userID := range users {
		devices, err := mach.Store.GetDevices(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("get devices of %s: %w", userID, err)
		}
		if devices == nil {
			missing = append(missing, userID)
		} else {
			deviceMaps[userID] = devices
		}
	}
	if len(missing) > 0 {
		mach.Log.Debug("fetching keys for untracked users in share", "users", len(missing))
		fetched, err := mach.FetchKeys(ctx, missing, true)
		if err != nil {
			return nil, err
		}
		for userID, devices := range fetched {
			deviceMaps[userID] = devices
		}
	}
	return deviceMaps, nil
}

// classifyShareTarget decides whether a single device gets the key, gets a
// withheld notice, or is skipped because it already has the key.
func (mach *OlmMachine) classifyShareTarget(ctx context.Context, session *OutboundGroupSession, device *DeviceIdentity, _ *event.RoomKeyEventContent) deviceShareResult {
	userDevice := UserDevice{device.UserID, device.DeviceID}
	if _, shared := session.UsersSharedWith[userDevice]; shared {
		return deviceShareResult{device: device, state: deviceShareAlreadyShared}
	}
	if _, ignored := session.UsersIgnored[userDevice]; ignored {
		return deviceShareResult{device: device, state: deviceShareAlreadyShared}
	}
	if device.IdentityKey == mach.Account.IdentityKey && device.UserID == mach.UserID {
		return deviceShareResult{device: device, state: deviceShareAlreadyShared}
	}
	trust := mach.ResolveTrust(ctx, device)
	if trust == id.TrustStateBlacklisted {
		return deviceShareResult{device: device, state: deviceShareWithheld, withheld: &event.RoomKeyWithheldEventContent{
			RoomID:    session.RoomID,
			Algorithm: id.AlgorithmMegolmV1,
			SessionID: session.ID(),
			SenderKey: mach.Account.IdentityKey,
			Code:      event.RoomKeyWithheldBlacklisted,
			Reason:    "Device is blacklisted",
		}}
	}
	if trust < mach.SendKeysMinTrust {
		return deviceShareResult{device: device, state: deviceShareWithheld, withheld: &event.RoomKeyWithheldEventContent{
			RoomID:    session.RoomID,
			Algorithm: id.AlgorithmMegolmV1,
			SessionID: session.ID(),
			SenderKey: mach.Account.IdentityKey,
			Code:      event.RoomKeyWithheldUnverified,
			Reason:    "This device does not encrypt messages for unverified devices",
		}}
	}
	return deviceShareResult{device: device, state: deviceShareReady}
}
