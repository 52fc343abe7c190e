package e2ee

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// encryptOlmEvent wraps the given content in the olm payload envelope and
// encrypts it with the session. The caller must hold olmLock and persist the
// session afterwards.
func (mach *OlmMachine) encryptOlmEvent(ctx context.Context, session *OlmSession, recipient *DeviceIdentity, evtType event.Type, content event.Content) (*event.EncryptedEventContent, error) {
	payload := DecryptedOlmEvent{
		Sender:       mach.UserID,
		SenderDevice: mach.DeviceID,
		Keys:         OlmEventKeys{Ed25519: mach.Account.SigningKey},
		Recipient:    recipient.UserID,
		RecipientKeys: OlmEventKeys{
			Ed25519: recipient.SigningKey,
		},
		Type:    evtType,
		Content: content,
	}
	plaintext, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("marshal olm payload: %w", err)
	}
	msgType, ciphertext, err := session.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("olm encrypt: %w", err)
	}
	if err = mach.Store.UpdateSession(ctx, recipient.IdentityKey, session); err != nil {
		mach.Log.Warn("failed to update olm session after encrypting", "session_id", session.ID, "err", err)
	}
	return &event.EncryptedEventContent{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: mach.Account.IdentityKey,
		OlmCiphertext: event.OlmCiphertexts{
			recipient.IdentityKey: {
				Type: msgType,
				Body: string(ciphertext),
			},
		},
	}, nil
}

// createOutboundSessions claims one-time keys for all devices in the map that
// don't have an olm session yet and creates sessions from the claimed keys.
func (mach *OlmMachine) createOutboundSessions(ctx context.Context, devices map[id.UserID]map[id.DeviceID]*DeviceIdentity) error {
	req := &ReqClaimKeys{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]id.KeyAlgorithm),
		Timeout:     10 * 1000,
	}
	for userID, userDevices := range devices {
		for deviceID, device := range userDevices {
			if mach.Store.HasSession(ctx, device.IdentityKey) {
				continue
			}
			if _, ok := req.OneTimeKeys[userID]; !ok {
				req.OneTimeKeys[userID] = make(map[id.DeviceID]id.KeyAlgorithm)
			}
			req.OneTimeKeys[userID][deviceID] = id.KeyAlgorithmSignedCurve25519
		}
	}
	if len(req.OneTimeKeys) == 0 {
		return nil
	}
	mach.Log.Debug("claiming one-time keys", "users", len(req.OneTimeKeys))
	resp, err := mach.Transport.ClaimKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("claim keys: %w", err)
	}
	for userID, userKeys := range resp.OneTimeKeys {
		for deviceID, oneTimeKeys := range userKeys {
			device, ok := devices[userID][deviceID]
			if !ok {
				continue
			}
			var oneTimeKey OneTimeKey
			found := false
			for _, key := range oneTimeKeys {
				oneTimeKey = key
				found = true
				break
			}
			if !found {
				mach.Log.Warn("didn't get a one-time key for device", "user_id", userID, "device_id", deviceID)
				continue
			}
			if !verifySignatureJSON(&oneTimeKey, userID, deviceID.String(), device.SigningKey) {
				mach.Log.Warn("invalid signature on claimed one-time key", "user_id", userID, "device_id", deviceID)
				continue
			}
			session, err := mach.Account.NewOutboundSession(device.IdentityKey, oneTimeKey.Key)
			if err != nil {
				mach.Log.Warn("failed to create outbound olm session",
					"user_id", userID,
					"device_id", deviceID,
					"err", err,
				)
				continue
			}
			if err = mach.Store.AddSession(ctx, device.IdentityKey, session); err != nil {
				mach.Log.Warn("failed to store new olm session", "user_id", userID, "device_id", deviceID, "err", err)
				continue
			}
			mach.Log.Debug("created new outbound olm session",
				"user_id", userID,
				"device_id", deviceID,
				"session_id", session.ID,
			)
		}
	}
	return nil
}

// SendEncryptedToDevice encrypts the content with the most recent olm session
// for the device and sends it, claiming keys and creating a session first if
// necessary.
func (mach *OlmMachine) SendEncryptedToDevice(ctx context.Context, device *DeviceIdentity, evtType event.Type, content event.Content) error {
	mach.claimKeysLock.Lock()
	err := mach.createOutboundSessions(ctx, map[id.UserID]map[id.DeviceID]*DeviceIdentity{
		device.UserID: {device.DeviceID: device},
	})
	mach.claimKeysLock.Unlock()
	if err != nil {
		return err
	}
	mach.olmLock.Lock()
	defer mach.olmLock.Unlock()
	session, err := mach.Store.GetLatestSession(ctx, device.IdentityKey)
	if err != nil {
		return fmt.Errorf("get latest session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("didn't find created outbound session for device %s of %s", device.DeviceID, device.UserID)
	}
	encrypted, err := mach.encryptOlmEvent(ctx, session, device, evtType, content)
	if err != nil {
		return err
	}
	return mach.Transport.SendToOneDevice(ctx, event.ToDeviceEncrypted, device.UserID, device.DeviceID, &event.Content{Parsed: encrypted})
}
