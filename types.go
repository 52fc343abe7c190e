package e2ee

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// DeviceIdentity contains the validated identity and trust state of a single
// remote device.
type DeviceIdentity struct {
	UserID      id.UserID
	DeviceID    id.DeviceID
	IdentityKey id.Curve25519
	SigningKey  id.Ed25519

	Trust   id.TrustState
	Deleted bool
	Name    string
}

// Signatures maps user ID -> key ID -> base64 signature, matching the
// signatures object in signed JSON.
type Signatures map[id.UserID]map[id.KeyID]string

// DeviceKeys is the signed device key bundle uploaded to and queried from the
// server.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures"`
	Unsigned   map[string]any      `json:"unsigned,omitempty"`
}

func (dk *DeviceKeys) Ed25519() id.Ed25519 {
	return id.Ed25519(dk.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, dk.DeviceID.String())])
}

func (dk *DeviceKeys) Curve25519() id.Curve25519 {
	return id.Curve25519(dk.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, dk.DeviceID.String())])
}

func (dk *DeviceKeys) DisplayName() string {
	name, _ := dk.Unsigned["device_display_name"].(string)
	return name
}

// CrossSigningKeys is a user's published cross-signing key for one usage.
type CrossSigningKeys struct {
	UserID     id.UserID               `json:"user_id"`
	Usage      []id.CrossSigningUsage  `json:"usage"`
	Keys       map[id.KeyID]id.Ed25519 `json:"keys"`
	Signatures Signatures              `json:"signatures,omitempty"`
}

// FirstKey returns the first (in practice only) key in the bundle.
func (csk *CrossSigningKeys) FirstKey() id.Ed25519 {
	for _, key := range csk.Keys {
		return key
	}
	return ""
}

// OneTimeKey is a single signed curve25519 one-time key.
type OneTimeKey struct {
	Key        id.Curve25519 `json:"key"`
	Signatures Signatures    `json:"signatures,omitempty"`
}

// OTKCount mirrors the device_one_time_keys_count object in sync responses.
type OTKCount struct {
	Curve25519       int `json:"curve25519,omitempty"`
	SignedCurve25519 int `json:"signed_curve25519"`
}

// DeviceLists mirrors the device_lists object in sync responses.
type DeviceLists struct {
	Changed []id.UserID `json:"changed,omitempty"`
	Left    []id.UserID `json:"left,omitempty"`
}

// ToDeviceMessages is the payload of a batched to-device send.
type ToDeviceMessages = map[id.UserID]map[id.DeviceID]*event.Content

type ReqQueryKeys struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
	Timeout    int64                       `json:"timeout,omitempty"`
}

type RespQueryKeys struct {
	Failures        map[string]json.RawMessage             `json:"failures,omitempty"`
	DeviceKeys      map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]CrossSigningKeys           `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]CrossSigningKeys           `json:"self_signing_keys,omitempty"`
	UserSigningKeys map[id.UserID]CrossSigningKeys           `json:"user_signing_keys,omitempty"`
}

type ReqClaimKeys struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]id.KeyAlgorithm `json:"one_time_keys"`
	Timeout     int64                                         `json:"timeout,omitempty"`
}

type RespClaimKeys struct {
	Failures    map[string]json.RawMessage                              `json:"failures,omitempty"`
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]OneTimeKey `json:"one_time_keys"`
}

type ReqUploadKeys struct {
	DeviceKeys  *DeviceKeys           `json:"device_keys,omitempty"`
	OneTimeKeys map[id.KeyID]OneTimeKey `json:"one_time_keys,omitempty"`
}

type RespUploadKeys struct {
	OneTimeKeyCounts OTKCount `json:"one_time_key_counts"`
}

// Transport is the slice of the Matrix client-server API the engine needs.
// The surrounding client (HTTP, appservice, whatever) supplies it; the engine
// never talks to the network itself.
type Transport interface {
	SendToDevice(ctx context.Context, eventType event.Type, messages ToDeviceMessages) error
	SendToOneDevice(ctx context.Context, eventType event.Type, userID id.UserID, deviceID id.DeviceID, content *event.Content) error
	QueryKeys(ctx context.Context, req *ReqQueryKeys) (*RespQueryKeys, error)
	ClaimKeys(ctx context.Context, req *ReqClaimKeys) (*RespClaimKeys, error)
	UploadKeys(ctx context.Context, req *ReqUploadKeys) (*RespUploadKeys, error)
}

// StateStore gives the engine the bits of room state it needs: which rooms
// are encrypted and with what settings, and which rooms are shared with a
// given user.
type StateStore interface {
	IsEncrypted(ctx context.Context, roomID id.RoomID) (bool, error)
	GetEncryptionEvent(ctx context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error)
	FindSharedRooms(ctx context.Context, userID id.UserID) ([]id.RoomID, error)
}

// OlmEventKeys is the keys object inside a decrypted olm payload.
type OlmEventKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// DecryptedOlmEvent is the plaintext of an olm-encrypted to-device event.
// Recipient and RecipientKeys must be checked against the local identity
// before the payload is trusted.
type DecryptedOlmEvent struct {
	Source *event.Event `json:"-"`

	SenderKey id.SenderKey `json:"-"`

	Sender        id.UserID    `json:"sender"`
	SenderDevice  id.DeviceID  `json:"sender_device"`
	Keys          OlmEventKeys `json:"keys"`
	Recipient     id.UserID    `json:"recipient"`
	RecipientKeys OlmEventKeys `json:"recipient_keys"`

	Type    event.Type    `json:"type"`
	Content event.Content `json:"content"`
}
