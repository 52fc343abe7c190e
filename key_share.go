package e2ee

import (
	"context"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// defaultAllowKeyShare is the policy used when AllowKeyShare isn't set: only
// requests from our own user's devices are considered, blacklisted devices
// are rejected, verified devices are accepted, and unverified devices are
// accepted only with ShareKeysToUnverifiedDevices.
func (mach *OlmMachine) defaultAllowKeyShare(ctx context.Context, device *DeviceIdentity, info event.RequestedKeyInfo) *RejectKeyShare {
	if device.UserID != mach.UserID {
		return &RejectKeyShare{
			Log:    "rejecting key request from a different user",
			Code:   event.RoomKeyWithheldUnauthorized,
			Reason: "This device does not share keys to other users",
		}
	}
	if device.DeviceID == mach.DeviceID {
		return &RejectKeyShare{Log: "ignoring key request from ourselves"}
	}
	trust := mach.ResolveTrust(ctx, device)
	if trust == id.TrustStateBlacklisted {
		return &RejectKeyShare{
			Log:    "rejecting key request from blacklisted device",
			Code:   event.RoomKeyWithheldBlacklisted,
			Reason: "You have been blacklisted by this device",
		}
	}
	if trust == id.TrustStateVerified || mach.ShareKeysToUnverifiedDevices {
		return nil
	}
	return &RejectKeyShare{
		Log:    "rejecting key request from unverified device",
		Code:   event.RoomKeyWithheldUnverified,
		Reason: "You have not been verified by this device",
	}
}

// HandleRoomKeyRequest responds to an m.room_key_request to-device event,
// either forwarding the requested session or sending a withheld event.
func (mach *OlmMachine) HandleRoomKeyRequest(ctx context.Context, evt *event.Event) {
	request, ok := evt.Content.Parsed.(*event.RoomKeyRequestEventContent)
	if !ok {
		mach.Log.Warn("unexpected content in room key request", "sender", evt.Sender)
		return
	}
	if request.Action != event.KeyRequestActionRequest {
		return
	}
	if evt.Sender == mach.UserID && request.RequestingDeviceID == mach.DeviceID {
		mach.Log.Debug("ignoring key request from ourselves", "request_id", request.RequestID)
		return
	}
	device, err := mach.GetOrFetchDevice(ctx, evt.Sender, request.RequestingDeviceID)
	if err != nil {
		mach.Log.Warn("failed to get device to handle key request",
			"sender", evt.Sender,
			"device_id", request.RequestingDeviceID,
			"request_id", request.RequestID,
			"err", err,
		)
		return
	}
	mach.Log.Debug("received room key request",
		"request_id", request.RequestID,
		"sender", device.UserID,
		"device_id", device.DeviceID,
		"session_id", request.Body.SessionID,
	)
	err = mach.handleRoomKeyRequest(ctx, device, request.Body)
	if err == nil {
		return
	}
	var rejection *RejectKeyShare
	if !errors.As(err, &rejection) {
		mach.Log.Error("error while handling key request, sending rejection",
			"request_id", request.RequestID,
			"err", err,
		)
		rejection = &RejectKeyShare{
			Code:   event.RoomKeyWithheldUnavailable,
			Reason: "An internal error occurred while trying to share the requested session",
		}
	} else if rejection.Log != "" {
		mach.Log.Debug("rejecting key request",
			"request_id", request.RequestID,
			"reason", rejection.Log,
		)
	}
	mach.rejectKeyRequest(ctx, rejection, device, request.Body)
}

func (mach *OlmMachine) handleRoomKeyRequest(ctx context.Context, device *DeviceIdentity, request event.RequestedKeyInfo) error {
	allowKeyShare := mach.AllowKeyShare
	if allowKeyShare == nil {
		allowKeyShare = mach.defaultAllowKeyShare
	}
	if rejection := allowKeyShare(ctx, device, request); rejection != nil {
		return rejection
	}
	session, err := mach.Store.GetGroupSession(ctx, request.RoomID, request.SessionID)
	if err != nil {
		return fmt.Errorf("get group session: %w", err)
	}
	if session == nil {
		return &RejectKeyShare{
			Log:    "didn't find group session to forward",
			Code:   event.RoomKeyWithheldUnavailable,
			Reason: "Requested session ID not found on this device",
		}
	}
	firstKnownIndex := session.Internal.FirstKnownIndex()
	exported, err := session.Internal.Export(firstKnownIndex)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	forwardContent := &event.ForwardedRoomKeyEventContent{
		RoomKeyEventContent: event.RoomKeyEventContent{
			Algorithm:  id.AlgorithmMegolmV1,
			RoomID:     session.RoomID,
			SessionID:  session.ID(),
			SessionKey: string(exported),
		},
		SenderKey:          session.SenderKey,
		SenderClaimedKey:   session.SigningKey,
		ForwardingKeyChain: session.ForwardingChains,
	}
	return mach.SendEncryptedToDevice(ctx, device, event.ToDeviceForwardedRoomKey, event.Content{Parsed: forwardContent})
}

func (mach *OlmMachine) rejectKeyRequest(ctx context.Context, rejection *RejectKeyShare, device *DeviceIdentity, request event.RequestedKeyInfo) {
	if rejection.Code == "" {
		// Silent rejection.
		return
	}
	content := &event.Content{Parsed: &event.RoomKeyWithheldEventContent{
		RoomID:    request.RoomID,
		Algorithm: request.Algorithm,
		SessionID: request.SessionID,
		SenderKey: request.SenderKey,
		Code:      rejection.Code,
		Reason:    rejection.Reason,
	}}
	err := mach.Transport.SendToOneDevice(ctx, event.ToDeviceRoomKeyWithheld, device.UserID, device.DeviceID, content)
	if err != nil {
		mach.Log.Warn("failed to send key share rejection",
			"code", rejection.Code,
			"user_id", device.UserID,
			"device_id", device.DeviceID,
			"err", err,
		)
	}
	err = mach.Transport.SendToOneDevice(ctx, event.ToDeviceOrgMatrixRoomKeyWithheld, device.UserID, device.DeviceID, content)
	if err != nil {
		mach.Log.Warn("failed to send legacy key share rejection",
			"code", rejection.Code,
			"user_id", device.UserID,
			"device_id", device.DeviceID,
			"err", err,
		)
	}
}

// HandleRoomKeyWithheld records why a key wasn't sent to us. Only m.unverified
// and similar session-scoped codes are stored, room-scoped withholds are just
// logged.
func (mach *OlmMachine) HandleRoomKeyWithheld(ctx context.Context, content *event.RoomKeyWithheldEventContent) {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return
	}
	if content.SessionID == "" {
		mach.Log.Debug("received room-scoped key withheld notice",
			"room_id", content.RoomID,
			"code", content.Code,
			"reason", content.Reason,
		)
		return
	}
	mach.Log.Debug("received room key withheld notice",
		"room_id", content.RoomID,
		"session_id", content.SessionID,
		"code", content.Code,
		"reason", content.Reason,
	)
}
