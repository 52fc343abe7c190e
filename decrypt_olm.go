package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// decryptOlmEvent decrypts an m.room.encrypted to-device event and validates
// the payload envelope against the local identity.
func (mach *OlmMachine) decryptOlmEvent(ctx context.Context, evt *event.Event) (*DecryptedOlmEvent, error) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok {
		_ = evt.Content.ParseRaw(evt.Type)
		content, ok = evt.Content.Parsed.(*event.EncryptedEventContent)
		if !ok {
			return nil, ErrInvalidPayload
		}
	}
	if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, ErrUnsupportedAlgorithm
	}
	ciphertext, ok := content.OlmCiphertext[mach.Account.IdentityKey]
	if !ok {
		return nil, ErrNotEncryptedForMe
	}
	plaintext, err := mach.decryptOlmCiphertext(ctx, evt.Sender, content.SenderKey, ciphertext.Type, ciphertext.Body)
	if err != nil {
		return nil, err
	}
	var decrypted DecryptedOlmEvent
	if err = json.Unmarshal(plaintext, &decrypted); err != nil {
		return nil, fmt.Errorf("parse olm payload: %w", err)
	}
	decrypted.Source = evt
	decrypted.SenderKey = content.SenderKey
	decrypted.Type.Class = event.ToDeviceEventType
	if decrypted.Sender != evt.Sender {
		return nil, ErrMismatchedSender
	}
	if decrypted.Recipient != mach.UserID {
		return nil, ErrMismatchedRecipient
	}
	if decrypted.RecipientKeys.Ed25519 != mach.Account.SigningKey {
		return nil, ErrMismatchedRecipientKey
	}
	return &decrypted, nil
}

func (mach *OlmMachine) decryptOlmCiphertext(ctx context.Context, sender id.UserID, senderKey id.SenderKey, olmType id.OlmMsgType, ciphertext string) ([]byte, error) {
	if olmType != id.OlmMsgTypePreKey && olmType != id.OlmMsgTypeMsg {
		return nil, ErrUnsupportedOlmMsgType
	}
	mach.olmLock.Lock()
	defer mach.olmLock.Unlock()

	plaintext, err := mach.tryDecryptOlmCiphertext(ctx, senderKey, olmType, ciphertext)
	if err == nil {
		return plaintext, nil
	}
	if !errors.Is(err, ErrOlmSessionNotFound) {
		if olmType == id.OlmMsgTypeMsg {
			// A normal message we can't decrypt with any session means the
			// sender's ratchet and ours have diverged.
			go mach.unwedgeDevice(context.WithoutCancel(ctx), sender, senderKey)
		}
		return nil, err
	}

	// No existing session could read it. Only prekey messages can create one.
	if olmType != id.OlmMsgTypePreKey {
		go mach.unwedgeDevice(context.WithoutCancel(ctx), sender, senderKey)
		return nil, fmt.Errorf("olm message from %s with no matching session", senderKey)
	}
	session, err := mach.Account.NewInboundSession(senderKey, ciphertext)
	if err != nil {
		go mach.unwedgeDevice(context.WithoutCancel(ctx), sender, senderKey)
		return nil, fmt.Errorf("create inbound olm session: %w", err)
	}
	// The one-time key is gone now, persist before doing anything else.
	if err = mach.Store.PutAccount(ctx, mach.Account); err != nil {
		return nil, fmt.Errorf("store account after new inbound session: %w", err)
	}
	plaintext, err = session.Decrypt(ciphertext, olmType)
	if err != nil {
		go mach.unwedgeDevice(context.WithoutCancel(ctx), sender, senderKey)
		return nil, fmt.Errorf("decrypt prekey message with new session: %w", err)
	}
	if err = mach.Store.AddSession(ctx, senderKey, session); err != nil {
		return nil, fmt.Errorf("store new inbound session: %w", err)
	}
	mach.Log.Debug("created new inbound olm session",
		"sender", sender,
		"sender_key", senderKey,
		"session_id", session.ID,
	)
	return plaintext, nil
}

// ErrOlmSessionNotFound is an internal signal that no existing session could
// decrypt an olm message.
var ErrOlmSessionNotFound = errors.New("no olm session matched the message")

// tryDecryptOlmCiphertext attempts decryption with every stored session for
// the sender key, newest first. Prekey messages are only tried against
// sessions they claim to match.
func (mach *OlmMachine) tryDecryptOlmCiphertext(ctx context.Context, senderKey id.SenderKey, olmType id.OlmMsgType, ciphertext string) ([]byte, error) {
	sessions, err := mach.Store.GetSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("get olm sessions: %w", err)
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		session := sessions[i]
		if olmType == id.OlmMsgTypePreKey {
			matches, err := session.Internal.MatchesInboundSession(ciphertext)
			if err != nil || !matches {
				continue
			}
		}
		plaintext, err := session.Decrypt(ciphertext, olmType)
		if err != nil {
			if olmType == id.OlmMsgTypePreKey {
				return nil, fmt.Errorf("%w: %v", ErrMatchingSessionDecryptionFailed, err)
			}
			continue
		}
		if err = mach.Store.UpdateSession(ctx, senderKey, session); err != nil {
			mach.Log.Warn("failed to update olm session after decrypting", "session_id", session.ID, "err", err)
		}
		return plaintext, nil
	}
	return nil, ErrOlmSessionNotFound
}
