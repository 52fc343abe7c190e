package e2ee

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	// Decryption errors.
	ErrSessionNotFound                 = errors.New("failed to decrypt megolm event: no session with given ID found")
	ErrDuplicateMessageIndex           = errors.New("duplicate message index")
	ErrVerificationFailed              = errors.New("device keys in event and verified device do not match")
	ErrMismatchingRoom                 = errors.New("encrypted event room ID and megolm payload room ID do not match")
	ErrInvalidPayload                  = errors.New("failed to parse megolm payload")
	ErrMatchingSessionDecryptionFailed = errors.New("decryption failed with matching session")

	ErrUnsupportedAlgorithm   = errors.New("unsupported event encryption algorithm")
	ErrNotEncryptedForMe      = errors.New("olm event doesn't contain ciphertext for this device")
	ErrUnsupportedOlmMsgType  = errors.New("unsupported olm message type")
	ErrMismatchedSender       = errors.New("mismatched sender in olm payload")
	ErrMismatchedRecipient    = errors.New("mismatched recipient in olm payload")
	ErrMismatchedRecipientKey = errors.New("mismatched recipient key in olm payload")

	// Encryption errors.
	ErrNoGroupSession            = errors.New("no group session created")
	ErrGroupSessionNotShared     = errors.New("group session has not been shared")
	ErrGroupSessionExpired       = errors.New("group session has expired")
	ErrGroupSessionAlreadyShared = errors.New("group session has already been shared")
	ErrUnsupportedRoomAlgorithm  = errors.New("room encryption algorithm is not supported")
	ErrNoOneTimeKey              = errors.New("didn't get a one-time key to create session with")

	// Device validation errors.
	ErrMismatchingUserID      = errors.New("mismatching user ID in device keys")
	ErrMismatchingDeviceID    = errors.New("mismatching device ID in device keys")
	ErrNoSigningKey           = errors.New("didn't find ed25519 signing key")
	ErrNoIdentityKey          = errors.New("didn't find curve25519 identity key")
	ErrSigningKeyChanged      = errors.New("device signing key has changed")
	ErrMismatchingStoreDevice = errors.New("crypto store belongs to a different device")
	ErrInvalidKeySignature    = errors.New("invalid signature on device keys")
)

// RejectKeyShare is returned by AllowKeyShare implementations to signal that a
// room key request should not be fulfilled. A nil Code means the request is
// dropped silently with no withheld event.
type RejectKeyShare struct {
	Log    string
	Code   event.RoomKeyWithheldCode
	Reason string
}

func (rks RejectKeyShare) Error() string {
	if rks.Log != "" {
		return rks.Log
	}
	return "key share rejected"
}

// DecryptionFailure wraps a lower-level olm error with the human-readable
// reason that should be surfaced to the user.
type DecryptionFailure struct {
	Reason string
	Cause  error
}

func (df DecryptionFailure) Error() string {
	if df.Cause != nil {
		return fmt.Sprintf("%s: %v", df.Reason, df.Cause)
	}
	return df.Reason
}

func (df DecryptionFailure) Unwrap() error {
	return df.Cause
}

// SessionNotFoundError carries the session ID so callers can key a
// wait-for-session or key request off the failure.
type SessionNotFoundError struct {
	SessionID id.SessionID
	SenderKey id.SenderKey
}

func (err SessionNotFoundError) Error() string {
	return fmt.Sprintf("%v (session ID %s)", ErrSessionNotFound, err.SessionID)
}

func (err SessionNotFoundError) Is(target error) bool {
	return target == ErrSessionNotFound
}
