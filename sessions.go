package e2ee

import (
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// OlmSession wraps a pairwise double-ratchet session with use-time metadata
// used to pick the most recently active session for a device.
type OlmSession struct {
	Internal olm.Session

	ID            id.SessionID
	CreationTime  time.Time
	LastEncrypted time.Time
	LastDecrypted time.Time
}

func wrapSession(session olm.Session) *OlmSession {
	now := time.Now()
	return &OlmSession{
		Internal:      session,
		ID:            session.ID(),
		CreationTime:  now,
		LastEncrypted: now,
		LastDecrypted: now,
	}
}

func (session *OlmSession) Encrypt(plaintext []byte) (id.OlmMsgType, []byte, error) {
	session.LastEncrypted = time.Now()
	return session.Internal.Encrypt(plaintext)
}

func (session *OlmSession) Decrypt(ciphertext string, msgType id.OlmMsgType) ([]byte, error) {
	plaintext, err := session.Internal.Decrypt(ciphertext, msgType)
	if err == nil {
		session.LastDecrypted = time.Now()
	}
	return plaintext, err
}

// RatchetSafety tracks which megolm message indices have been seen, so gaps
// from out-of-order delivery can be told apart from permanently lost
// messages and old ratchet state can be discarded safely.
type RatchetSafety struct {
	NextIndex     uint32   `json:"next_index"`
	MissedIndices []uint32 `json:"missed_indices,omitempty"`
	LostIndices   []uint32 `json:"lost_indices,omitempty"`
}

// InboundGroupSession is a received megolm session along with everything
// needed to classify the trust of events decrypted with it.
type InboundGroupSession struct {
	Internal olm.InboundGroupSession

	SigningKey       id.Ed25519
	SenderKey        id.SenderKey
	RoomID           id.RoomID
	ForwardingChains []string

	RatchetSafety RatchetSafety
	ReceivedAt    time.Time
	MaxAge        time.Duration
	MaxMessages   int
	IsScheduled   bool
}

func NewInboundGroupSession(senderKey id.SenderKey, signingKey id.Ed25519, roomID id.RoomID, sessionKey string, maxAge time.Duration, maxMessages int, isScheduled bool) (*InboundGroupSession, error) {
	session, err := olm.NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		Internal:         session,
		SigningKey:       signingKey,
		SenderKey:        senderKey,
		RoomID:           roomID,
		ForwardingChains: []string{},
		ReceivedAt:       time.Now().UTC(),
		MaxAge:           maxAge,
		MaxMessages:      maxMessages,
		IsScheduled:      isScheduled,
	}, nil
}

// ImportInboundGroupSession imports an exported (forwarded) session, which
// may start at a nonzero message index.
func ImportInboundGroupSession(senderKey id.SenderKey, signingKey id.Ed25519, roomID id.RoomID, sessionKey string, forwardingChain []string, maxAge time.Duration, maxMessages int, isScheduled bool) (*InboundGroupSession, error) {
	session, err := olm.InboundGroupSessionImport([]byte(sessionKey))
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		Internal:         session,
		SigningKey:       signingKey,
		SenderKey:        senderKey,
		RoomID:           roomID,
		ForwardingChains: forwardingChain,
		ReceivedAt:       time.Now().UTC(),
		MaxAge:           maxAge,
		MaxMessages:      maxMessages,
		IsScheduled:      isScheduled,
	}, nil
}

func (igs *InboundGroupSession) ID() id.SessionID {
	return igs.Internal.ID()
}

// RatchetTo exports the session at the given index and reimports it, dropping
// the ratchet state for all earlier indices.
func (igs *InboundGroupSession) RatchetTo(index uint32) (*InboundGroupSession, error) {
	exported, err := igs.Internal.Export(index)
	if err != nil {
		return nil, err
	}
	ratcheted, err := olm.InboundGroupSessionImport([]byte(exported))
	if err != nil {
		return nil, err
	}
	return &InboundGroupSession{
		Internal:         ratcheted,
		SigningKey:       igs.SigningKey,
		SenderKey:        igs.SenderKey,
		RoomID:           igs.RoomID,
		ForwardingChains: igs.ForwardingChains,
		RatchetSafety:    igs.RatchetSafety,
		ReceivedAt:       igs.ReceivedAt,
		MaxAge:           igs.MaxAge,
		MaxMessages:      igs.MaxMessages,
		IsScheduled:      igs.IsScheduled,
	}, nil
}

const (
	defaultMaxMessages = 100
	defaultMaxAge      = 7 * 24 * time.Hour
)

// OutboundGroupSession is the local megolm session for a room, tracking who
// it has been shared with and when it needs to be rotated.
type OutboundGroupSession struct {
	Internal olm.OutboundGroupSession

	RoomID       id.RoomID
	Shared       bool
	MaxMessages  int
	MessageCount int
	MaxAge       time.Duration
	CreationTime time.Time
	UseTime      time.Time

	UsersSharedWith map[UserDevice]struct{}
	UsersIgnored    map[UserDevice]struct{}
}

// UserDevice is a (user ID, device ID) pair used as a set member.
type UserDevice struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

func NewOutboundGroupSession(roomID id.RoomID, encryptionContent *event.EncryptionEventContent) (*OutboundGroupSession, error) {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	ogs := &OutboundGroupSession{
		Internal:        session,
		RoomID:          roomID,
		MaxMessages:     defaultMaxMessages,
		MaxAge:          defaultMaxAge,
		CreationTime:    time.Now(),
		UseTime:         time.Now(),
		UsersSharedWith: make(map[UserDevice]struct{}),
		UsersIgnored:    make(map[UserDevice]struct{}),
	}
	if encryptionContent != nil {
		if encryptionContent.RotationPeriodMessages != 0 {
			ogs.MaxMessages = encryptionContent.RotationPeriodMessages
		}
		if encryptionContent.RotationPeriodMillis != 0 {
			ogs.MaxAge = time.Duration(encryptionContent.RotationPeriodMillis) * time.Millisecond
		}
	}
	return ogs, nil
}

func (ogs *OutboundGroupSession) ID() id.SessionID {
	return ogs.Internal.ID()
}

func (ogs *OutboundGroupSession) Expired() bool {
	return ogs.MessageCount >= ogs.MaxMessages || time.Since(ogs.CreationTime) >= ogs.MaxAge
}

// Encrypt advances the ratchet by one message. The session must have been
// fully shared and must not be expired.
func (ogs *OutboundGroupSession) Encrypt(plaintext []byte) ([]byte, error) {
	if !ogs.Shared {
		return nil, ErrGroupSessionNotShared
	}
	if ogs.Expired() {
		return nil, ErrGroupSessionExpired
	}
	ciphertext, err := ogs.Internal.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	ogs.MessageCount++
	ogs.UseTime = time.Now()
	return ciphertext, nil
}

// ShareContent is the m.room_key payload that distributes this session.
func (ogs *OutboundGroupSession) ShareContent() *event.RoomKeyEventContent {
	return &event.RoomKeyEventContent{
		Algorithm:   id.AlgorithmMegolmV1,
		RoomID:      ogs.RoomID,
		SessionID:   ogs.ID(),
		SessionKey:  ogs.Internal.Key(),
		MaxAge:      ogs.MaxAge.Milliseconds(),
		MaxMessages: ogs.MaxMessages,
	}
}
