package e2ee

import (
	"context"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// minUnwedgeInterval is how long to wait before trying to unwedge the same
// device again.
const minUnwedgeInterval = 1 * time.Hour

// unwedgeDevice recovers from a corrupted olm session by creating a brand new
// outbound session and sending an encrypted dummy event through it, so the
// other side starts using the fresh session too. Rate limited per identity
// key.
func (mach *OlmMachine) unwedgeDevice(ctx context.Context, sender id.UserID, senderKey id.SenderKey) {
	if _, recent := mach.recentUnwedges.Get(senderKey); recent {
		mach.Log.Debug("not creating new session, already unwedged recently",
			"sender", sender,
			"sender_key", senderKey,
		)
		return
	}
	mach.recentUnwedges.Add(senderKey, time.Now())

	device, err := mach.GetOrFetchDeviceByKey(ctx, sender, senderKey)
	if err != nil {
		mach.Log.Warn("failed to find device to unwedge", "sender", sender, "sender_key", senderKey, "err", err)
		return
	}
	if device == nil {
		mach.Log.Warn("didn't find device with identity key, can't unwedge",
			"sender", sender,
			"sender_key", senderKey,
		)
		return
	}
	mach.Log.Debug("creating new olm session to unwedge device",
		"sender", sender,
		"device_id", device.DeviceID,
		"sender_key", senderKey,
	)
	err = mach.sendDummyEvent(ctx, device)
	if err != nil {
		mach.Log.Warn("failed to send dummy event for unwedging",
			"sender", sender,
			"device_id", device.DeviceID,
			"err", err,
		)
	}
}

// sendDummyEvent claims a fresh one-time key, creates a new outbound session
// regardless of existing ones, and sends an m.dummy through it.
func (mach *OlmMachine) sendDummyEvent(ctx context.Context, device *DeviceIdentity) error {
	mach.claimKeysLock.Lock()
	defer mach.claimKeysLock.Unlock()
	session, err := mach.createForcedOutboundSession(ctx, device)
	if err != nil {
		return err
	}
	mach.olmLock.Lock()
	defer mach.olmLock.Unlock()
	encrypted, err := mach.encryptOlmEvent(ctx, session, device, event.ToDeviceDummy, event.Content{Parsed: &event.DummyEventContent{}})
	if err != nil {
		return err
	}
	return mach.Transport.SendToOneDevice(ctx, event.ToDeviceEncrypted, device.UserID, device.DeviceID, &event.Content{Parsed: encrypted})
}

// createForcedOutboundSession is like createOutboundSessions but always makes
// a new session, even when one already exists.
func (mach *OlmMachine) createForcedOutboundSession(ctx context.Context, device *DeviceIdentity) (*OlmSession, error) {
	resp, err := mach.Transport.ClaimKeys(ctx, &ReqClaimKeys{
		OneTimeKeys: map[id.UserID]map[id.DeviceID]id.KeyAlgorithm{
			device.UserID: {device.DeviceID: id.KeyAlgorithmSignedCurve25519},
		},
		Timeout: 10 * 1000,
	})
	if err != nil {
		return nil, err
	}
	var oneTimeKey *OneTimeKey
	for _, key := range resp.OneTimeKeys[device.UserID][device.DeviceID] {
		oneTimeKey = &key
		break
	}
	if oneTimeKey == nil {
		return nil, ErrNoOneTimeKey
	}
	if !verifySignatureJSON(oneTimeKey, device.UserID, device.DeviceID.String(), device.SigningKey) {
		return nil, ErrInvalidKeySignature
	}
	session, err := mach.Account.NewOutboundSession(device.IdentityKey, oneTimeKey.Key)
	if err != nil {
		return nil, err
	}
	if err = mach.Store.AddSession(ctx, device.IdentityKey, session); err != nil {
		return nil, err
	}
	return session, nil
}
