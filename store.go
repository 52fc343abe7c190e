package e2ee

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// CrossSigner identifies a signing key together with the user it belongs to.
type CrossSigner struct {
	UserID id.UserID
	Key    id.Ed25519
}

// TOFUSigningKey is a cross-signing key with the first key ever seen for the
// same usage. The two diverging means the user's keys were replaced after we
// first trusted them; callers must check this themselves, the store never
// blocks the update.
type TOFUSigningKey struct {
	Key   id.Ed25519
	First id.Ed25519
}

// Store is the durable state behind the machine: the account, olm and megolm
// sessions, device identities, cross-signing keys and signatures, and the
// message-index replay log. It is the sole source of truth; everything the
// machine keeps in memory is a cache.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Flush writes out any buffered state. Stores that persist immediately
	// can make this a no-op.
	Flush(ctx context.Context) error

	PutAccount(ctx context.Context, account *OlmAccount) error
	GetAccount(ctx context.Context) (*OlmAccount, error)

	// PutDeviceID pins the store to a device, so reusing the database with a
	// different login can be caught early.
	PutDeviceID(ctx context.Context, deviceID id.DeviceID) error
	GetDeviceID(ctx context.Context) (id.DeviceID, error)

	HasSession(ctx context.Context, key id.SenderKey) bool
	GetSessions(ctx context.Context, key id.SenderKey) ([]*OlmSession, error)
	GetLatestSession(ctx context.Context, key id.SenderKey) (*OlmSession, error)
	AddSession(ctx context.Context, key id.SenderKey, session *OlmSession) error
	UpdateSession(ctx context.Context, key id.SenderKey, session *OlmSession) error

	PutGroupSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, session *InboundGroupSession) error
	GetGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error)
	HasGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) bool
	RedactGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, reason string) error
	RedactGroupSessions(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, reason string) ([]id.SessionID, error)
	RedactExpiredGroupSessions(ctx context.Context) ([]id.SessionID, error)

	AddOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	UpdateOutboundGroupSession(ctx context.Context, session *OutboundGroupSession) error
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSession, error)
	RemoveOutboundGroupSession(ctx context.Context, roomID id.RoomID) error
	RemoveOutboundGroupSessions(ctx context.Context, rooms []id.RoomID) error

	// ValidateMessageIndex records the (event ID, timestamp) pair for the
	// given megolm message index on first sight and returns true. Later
	// calls return true only when the stored pair matches exactly.
	ValidateMessageIndex(ctx context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error)

	// GetDevices returns nil for users that have never been tracked and a
	// (possibly empty) map for tracked users.
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error)
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error)
	FindDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.IdentityKey) (*DeviceIdentity, error)
	PutDevice(ctx context.Context, userID id.UserID, device *DeviceIdentity) error
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error
	FilterTrackedUsers(ctx context.Context, users []id.UserID) ([]id.UserID, error)

	PutCrossSigningKey(ctx context.Context, userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) error
	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (map[id.CrossSigningUsage]TOFUSigningKey, error)
	PutSignature(ctx context.Context, target, signer CrossSigner, signature string) error
	IsKeySignedBy(ctx context.Context, target, signer CrossSigner) (bool, error)
	DropSignaturesByKey(ctx context.Context, signer CrossSigner) (int, error)
}
