package e2ee

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RequestRoomKey asks the given devices for a megolm session and waits up to
// timeout for one of them to answer. Devices that didn't answer before the
// keys arrived get a cancellation. A zero or negative timeout sends the
// requests and returns immediately without waiting or cancelling.
func (mach *OlmMachine) RequestRoomKey(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, fromDevices map[id.UserID][]id.DeviceID, timeout time.Duration) (bool, error) {
	requestID := uuid.New().String()
	request := &event.Content{Parsed: &event.RoomKeyRequestEventContent{
		Action: event.KeyRequestActionRequest,
		Body: event.RequestedKeyInfo{
			Algorithm: id.AlgorithmMegolmV1,
			RoomID:    roomID,
			SenderKey: senderKey,
			SessionID: sessionID,
		},
		RequestID:          requestID,
		RequestingDeviceID: mach.DeviceID,
	}}

	wait := timeout > 0
	var waiter chan UserDevice
	if wait {
		waiter = make(chan UserDevice, 1)
		mach.keyRequestWaiters.Store(sessionID, waiter)
		defer mach.keyRequestWaiters.Delete(sessionID)
	}

	messages := make(ToDeviceMessages, len(fromDevices))
	for userID, devices := range fromDevices {
		messages[userID] = make(map[id.DeviceID]*event.Content, len(devices))
		for _, deviceID := range devices {
			messages[userID][deviceID] = request
		}
	}
	if err := mach.Transport.SendToDevice(ctx, event.ToDeviceRoomKeyRequest, messages); err != nil {
		return false, fmt.Errorf("send key request: %w", err)
	}
	if !wait {
		return false, nil
	}

	gotKeys := false
	select {
	case answered := <-waiter:
		gotKeys = true
		remaining := fromDevices[answered.UserID]
		for i, deviceID := range remaining {
			if deviceID == answered.DeviceID {
				fromDevices[answered.UserID] = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
		if len(fromDevices[answered.UserID]) == 0 {
			delete(fromDevices, answered.UserID)
		}
	case <-time.After(timeout):
	case <-ctx.Done():
	}

	if len(fromDevices) > 0 {
		cancel := &event.Content{Parsed: &event.RoomKeyRequestEventContent{
			Action:             event.KeyRequestActionCancel,
			RequestID:          requestID,
			RequestingDeviceID: mach.DeviceID,
		}}
		cancelMessages := make(ToDeviceMessages, len(fromDevices))
		for userID, devices := range fromDevices {
			cancelMessages[userID] = make(map[id.DeviceID]*event.Content, len(devices))
			for _, deviceID := range devices {
				cancelMessages[userID][deviceID] = cancel
			}
		}
		err := mach.Transport.SendToDevice(context.WithoutCancel(ctx), event.ToDeviceRoomKeyRequest, cancelMessages)
		if err != nil {
			mach.Log.Warn("failed to send key request cancellations", "request_id", requestID, "err", err)
		}
	}
	return gotKeys, nil
}

// receiveForwardedRoomKey imports an m.forwarded_room_key that arrived inside
// an olm-encrypted to-device event.
func (mach *OlmMachine) receiveForwardedRoomKey(ctx context.Context, evt *DecryptedOlmEvent) {
	content, ok := evt.Content.Parsed.(*event.ForwardedRoomKeyEventContent)
	if !ok {
		mach.Log.Warn("unexpected content in forwarded room key event", "sender", evt.Sender)
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return
	}
	if mach.Store.HasGroupSession(ctx, content.RoomID, content.SessionID) {
		mach.Log.Debug("ignoring forwarded session that is already in the store",
			"session_id", content.SessionID,
			"sender", evt.Sender,
			"sender_device", evt.SenderDevice,
		)
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
	forwardingChain := append(content.ForwardingKeyChain, string(evt.SenderKey))
	session, err := ImportInboundGroupSession(content.SenderKey, content.SenderClaimedKey, content.RoomID, content.SessionKey, forwardingChain, maxAge, maxMessages, content.IsScheduled)
	if err != nil {
		mach.Log.Warn("failed to import forwarded megolm session",
			"session_id", content.SessionID,
			"sender", evt.Sender,
			"err", err,
		)
		return
	}
	if session.ID() != content.SessionID {
		mach.Log.Warn("mismatched session ID while importing forwarded key",
			"expected", content.SessionID,
			"actual", session.ID(),
			"sender", evt.Sender,
			"sender_device", evt.SenderDevice,
		)
		return
	}
	if err = mach.Store.PutGroupSession(ctx, content.RoomID, content.SenderKey, content.SessionID, session); err != nil {
		mach.Log.Warn("failed to store forwarded megolm session", "session_id", content.SessionID, "err", err)
		return
	}
	mach.markSessionReceived(content.SessionID)
	mach.Log.Debug("imported forwarded megolm session",
		"session_id", content.SessionID,
		"room_id", content.RoomID,
		"sender", evt.Sender,
		"sender_device", evt.SenderDevice,
	)
	mach.keyRequestWaiters.Compute(content.SessionID, func(waiter chan UserDevice, loaded bool) (chan UserDevice, xsync.ComputeOp) {
		if loaded {
			select {
			case waiter <- UserDevice{UserID: evt.Sender, DeviceID: evt.SenderDevice}:
			default:
			}
		}
		return waiter, xsync.CancelOp
	})
}
