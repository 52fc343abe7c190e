package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DecryptMegolmEvent decrypts a megolm-encrypted room event, validates the
// message index against the replay log, updates ratchet safety state and
// classifies the trust of the sending device.
func (mach *OlmMachine) DecryptMegolmEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		return nil, ErrInvalidPayload
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, ErrUnsupportedAlgorithm
	}

	mach.megolmDecryptLock.Lock()
	session, err := mach.Store.GetGroupSession(ctx, evt.RoomID, content.SessionID)
	if err != nil {
		mach.megolmDecryptLock.Unlock()
		return nil, fmt.Errorf("get group session: %w", err)
	}
	if session == nil {
		mach.megolmDecryptLock.Unlock()
		return nil, SessionNotFoundError{SessionID: content.SessionID, SenderKey: content.SenderKey}
	}
	if session.RoomID != evt.RoomID {
		mach.megolmDecryptLock.Unlock()
		return nil, ErrMismatchingRoom
	}
	plaintext, messageIndex, err := session.Internal.Decrypt(content.MegolmCiphertext)
	if err != nil {
		mach.megolmDecryptLock.Unlock()
		return nil, DecryptionFailure{Reason: "failed to decrypt megolm event", Cause: err}
	}
	ok, err = mach.Store.ValidateMessageIndex(ctx, session.SenderKey, content.SessionID, evt.ID, uint32(messageIndex), evt.Timestamp)
	if err != nil {
		mach.megolmDecryptLock.Unlock()
		return nil, fmt.Errorf("validate message index: %w", err)
	}
	if !ok {
		mach.megolmDecryptLock.Unlock()
		return nil, ErrDuplicateMessageIndex
	}
	if err = mach.ratchetSession(ctx, session, uint32(messageIndex)); err != nil {
		mach.Log.Warn("failed to update ratchet safety state",
			"session_id", content.SessionID,
			"err", err,
		)
	}
	mach.megolmDecryptLock.Unlock()

	trust, forwardedKeys, err := mach.classifyDecryptedEvent(ctx, evt, content, session)
	if err != nil {
		return nil, err
	}

	var payload struct {
		RoomID  id.RoomID     `json:"room_id"`
		Type    event.Type    `json:"type"`
		Content event.Content `json:"content"`
	}
	if err = json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.RoomID != evt.RoomID {
		return nil, ErrMismatchingRoom
	}
	if content.RelatesTo != nil {
		mergeRelatesTo(&payload.Content, content.RelatesTo)
	}
	payload.Type.Class = evt.Type.Class
	if err = payload.Content.ParseRaw(payload.Type); err != nil && !errors.Is(err, event.ErrUnsupportedContentType) {
		mach.Log.Debug("failed to parse decrypted event content", "event_type", payload.Type.Type, "err", err)
	}

	result := &event.Event{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Timestamp: evt.Timestamp,
		Unsigned:  evt.Unsigned,
		Type:      payload.Type,
		Content:   payload.Content,
	}
	result.Mautrix.TrustState = trust
	result.Mautrix.ForwardedKeys = forwardedKeys
	result.Mautrix.WasEncrypted = true
	return result, nil
}

// mergeRelatesTo copies the relation from the encrypted wrapper into the
// decrypted content if it doesn't carry one itself.
func mergeRelatesTo(content *event.Content, relatesTo *event.RelatesTo) {
	var raw map[string]any
	if err := json.Unmarshal(content.VeryRaw, &raw); err != nil {
		return
	}
	if _, ok := raw["m.relates_to"]; ok {
		return
	}
	raw["m.relates_to"] = relatesTo
	if merged, err := json.Marshal(raw); err == nil {
		content.VeryRaw = merged
	}
}

// classifyDecryptedEvent figures out how much the decrypted event can be
// trusted based on who the megolm session came from.
func (mach *OlmMachine) classifyDecryptedEvent(ctx context.Context, evt *event.Event, content *event.EncryptedEventContent, session *InboundGroupSession) (id.TrustState, bool, error) {
	ownSession := content.DeviceID == mach.DeviceID &&
		session.SigningKey == mach.Account.SigningKey &&
		session.SenderKey == mach.Account.IdentityKey &&
		len(session.ForwardingChains) == 0
	if ownSession {
		return id.TrustStateVerified, false, nil
	}
	directKey := len(session.ForwardingChains) == 0 ||
		(len(session.ForwardingChains) == 1 && session.ForwardingChains[0] == string(session.SenderKey))
	if directKey {
		device, err := mach.GetOrFetchDeviceByKey(ctx, evt.Sender, session.SenderKey)
		if err != nil {
			mach.Log.Warn("failed to fetch device for trust resolution", "sender", evt.Sender, "err", err)
		}
		if device == nil {
			mach.Log.Debug("couldn't resolve trust of session sent by unknown device",
				"session_id", session.ID(),
				"sender", evt.Sender,
				"sender_key", session.SenderKey,
			)
			return id.TrustStateUnknownDevice, false, nil
		}
		if device.SigningKey != session.SigningKey || device.IdentityKey != session.SenderKey {
			return id.TrustStateUnset, false, ErrVerificationFailed
		}
		return mach.ResolveTrust(ctx, device), false, nil
	}
	lastChainItem := session.ForwardingChains[len(session.ForwardingChains)-1]
	receivedFrom, err := mach.Store.FindDeviceByKey(ctx, evt.Sender, id.IdentityKey(lastChainItem))
	if err == nil && receivedFrom != nil {
		return mach.ResolveTrust(ctx, receivedFrom), true, nil
	}
	mach.Log.Debug("couldn't resolve trust of session with forwarding chain ending at unknown device",
		"session_id", session.ID(),
		"last_chain_item", lastChainItem,
	)
	return id.TrustStateForwarded, true, nil
}

// ratchetSession records the message index in the ratchet safety state,
// discards tracking of indices missed more than 10 messages ago, and ratchets
// or deletes the session if configured to.
//
// Caller must hold megolmDecryptLock.
func (mach *OlmMachine) ratchetSession(ctx context.Context, session *InboundGroupSession, index uint32) error {
	rs := &session.RatchetSafety
	expected := rs.NextIndex
	didModify := true
	switch {
	case index > expected:
		for i := expected; i < index; i++ {
			rs.MissedIndices = append(rs.MissedIndices, i)
		}
		rs.NextIndex = index + 1
	case index == expected:
		rs.NextIndex = index + 1
	default:
		didModify = false
		for i, missed := range rs.MissedIndices {
			if missed == index {
				rs.MissedIndices = append(rs.MissedIndices[:i], rs.MissedIndices[i+1:]...)
				didModify = true
				break
			}
		}
	}
	// Sessions with a received-at time are recent enough that indices missed
	// long ago can be considered permanently lost.
	if !session.ReceivedAt.IsZero() && len(rs.MissedIndices) > 0 && expected > 10 && rs.MissedIndices[0] < expected-10 {
		kept := 0
		for _, missed := range rs.MissedIndices {
			if missed < expected-10 {
				rs.LostIndices = append(rs.LostIndices, missed)
			} else {
				rs.MissedIndices[kept] = missed
				kept++
			}
		}
		rs.MissedIndices = rs.MissedIndices[:kept]
	}
	ratchetTarget := rs.NextIndex
	for _, missed := range rs.MissedIndices {
		if missed < ratchetTarget {
			ratchetTarget = missed
		}
	}
	sessionID := session.ID()
	if session.MaxMessages > 0 && int(ratchetTarget) >= session.MaxMessages && len(rs.MissedIndices) == 0 && mach.DeleteFullyUsedKeysOnDecrypt {
		mach.Log.Info("deleting fully used megolm session", "session_id", sessionID)
		return mach.Store.RedactGroupSession(ctx, session.RoomID, sessionID, "maximum messages reached")
	}
	if mach.RatchetKeysOnDecrypt && session.Internal.FirstKnownIndex() < ratchetTarget {
		mach.Log.Info("ratcheting megolm session forward",
			"session_id", sessionID,
			"target_index", ratchetTarget,
		)
		ratcheted, err := session.RatchetTo(ratchetTarget)
		if err != nil {
			return fmt.Errorf("ratchet session: %w", err)
		}
		return mach.Store.PutGroupSession(ctx, session.RoomID, session.SenderKey, sessionID, ratcheted)
	}
	if !didModify {
		return nil
	}
	return mach.Store.PutGroupSession(ctx, session.RoomID, session.SenderKey, sessionID, session)
}
