package e2ee

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

type messageIndexKey struct {
	SenderKey id.SenderKey
	SessionID id.SessionID
	Index     uint32
}

type messageIndexValue struct {
	EventID   id.EventID
	Timestamp int64
}

type groupSessionKey struct {
	RoomID    id.RoomID
	SessionID id.SessionID
}

// MemoryStore keeps everything in maps. Suitable for tests and throwaway
// sessions; anything long-lived should use BadgerStore.
type MemoryStore struct {
	lock sync.RWMutex

	account          *OlmAccount
	deviceID         id.DeviceID
	messageIndices   map[messageIndexKey]messageIndexValue
	devices          map[id.UserID]map[id.DeviceID]*DeviceIdentity
	olmSessions      map[id.SenderKey][]*OlmSession
	inboundSessions  map[groupSessionKey]*InboundGroupSession
	outboundSessions map[id.RoomID]*OutboundGroupSession
	crossSigningKeys map[id.UserID]map[id.CrossSigningUsage]TOFUSigningKey
	signatures       map[CrossSigner]map[CrossSigner]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messageIndices:   make(map[messageIndexKey]messageIndexValue),
		devices:          make(map[id.UserID]map[id.DeviceID]*DeviceIdentity),
		olmSessions:      make(map[id.SenderKey][]*OlmSession),
		inboundSessions:  make(map[groupSessionKey]*InboundGroupSession),
		outboundSessions: make(map[id.RoomID]*OutboundGroupSession),
		crossSigningKeys: make(map[id.UserID]map[id.CrossSigningUsage]TOFUSigningKey),
		signatures:       make(map[CrossSigner]map[CrossSigner]string),
	}
}

func (store *MemoryStore) Flush(_ context.Context) error {
	return nil
}

func (store *MemoryStore) PutAccount(_ context.Context, account *OlmAccount) error {
	store.lock.Lock()
	store.account = account
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) GetAccount(_ context.Context) (*OlmAccount, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.account, nil
}

func (store *MemoryStore) PutDeviceID(_ context.Context, deviceID id.DeviceID) error {
	store.lock.Lock()
	store.deviceID = deviceID
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) GetDeviceID(_ context.Context) (id.DeviceID, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.deviceID, nil
}

func (store *MemoryStore) HasSession(_ context.Context, key id.SenderKey) bool {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return len(store.olmSessions[key]) > 0
}

func (store *MemoryStore) GetSessions(_ context.Context, key id.SenderKey) ([]*OlmSession, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.olmSessions[key], nil
}

func (store *MemoryStore) GetLatestSession(_ context.Context, key id.SenderKey) (*OlmSession, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	sessions := store.olmSessions[key]
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[len(sessions)-1], nil
}

func (store *MemoryStore) AddSession(_ context.Context, key id.SenderKey, session *OlmSession) error {
	store.lock.Lock()
	store.olmSessions[key] = append(store.olmSessions[key], session)
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) UpdateSession(_ context.Context, _ id.SenderKey, _ *OlmSession) error {
	// The session object is the same one that was added, nothing to do.
	return nil
}

func (store *MemoryStore) PutGroupSession(_ context.Context, roomID id.RoomID, _ id.SenderKey, sessionID id.SessionID, session *InboundGroupSession) error {
	store.lock.Lock()
	store.inboundSessions[groupSessionKey{roomID, sessionID}] = session
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) GetGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.inboundSessions[groupSessionKey{roomID, sessionID}], nil
}

func (store *MemoryStore) HasGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) bool {
	store.lock.RLock()
	defer store.lock.RUnlock()
	_, ok := store.inboundSessions[groupSessionKey{roomID, sessionID}]
	return ok
}

func (store *MemoryStore) RedactGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID, _ string) error {
	store.lock.Lock()
	delete(store.inboundSessions, groupSessionKey{roomID, sessionID})
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) RedactGroupSessions(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, _ string) ([]id.SessionID, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	var deleted []id.SessionID
	for key, session := range store.inboundSessions {
		if (roomID == "" || session.RoomID == roomID) && (senderKey == "" || session.SenderKey == senderKey) {
			deleted = append(deleted, key.SessionID)
			delete(store.inboundSessions, key)
		}
	}
	return deleted, nil
}

func (store *MemoryStore) RedactExpiredGroupSessions(_ context.Context) ([]id.SessionID, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	var deleted []id.SessionID
	for key, session := range store.inboundSessions {
		if session.MaxAge > 0 && !session.ReceivedAt.IsZero() && time.Since(session.ReceivedAt) > 2*session.MaxAge {
			deleted = append(deleted, key.SessionID)
			delete(store.inboundSessions, key)
		}
	}
	return deleted, nil
}

func (store *MemoryStore) AddOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	store.lock.Lock()
	store.outboundSessions[session.RoomID] = session
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) UpdateOutboundGroupSession(_ context.Context, _ *OutboundGroupSession) error {
	return nil
}

func (store *MemoryStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.outboundSessions[roomID], nil
}

func (store *MemoryStore) RemoveOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	store.lock.Lock()
	delete(store.outboundSessions, roomID)
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) RemoveOutboundGroupSessions(_ context.Context, rooms []id.RoomID) error {
	store.lock.Lock()
	for _, roomID := range rooms {
		delete(store.outboundSessions, roomID)
	}
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) ValidateMessageIndex(_ context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	key := messageIndexKey{SenderKey: senderKey, SessionID: sessionID, Index: index}
	existing, ok := store.messageIndices[key]
	if !ok {
		store.messageIndices[key] = messageIndexValue{EventID: eventID, Timestamp: timestamp}
		return true, nil
	}
	return existing.EventID == eventID && existing.Timestamp == timestamp, nil
}

func (store *MemoryStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.devices[userID], nil
}

func (store *MemoryStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.devices[userID][deviceID], nil
}

func (store *MemoryStore) FindDeviceByKey(_ context.Context, userID id.UserID, identityKey id.IdentityKey) (*DeviceIdentity, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	for _, device := range store.devices[userID] {
		if device.IdentityKey == identityKey {
			return device, nil
		}
	}
	return nil, nil
}

func (store *MemoryStore) PutDevice(_ context.Context, userID id.UserID, device *DeviceIdentity) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	devices, ok := store.devices[userID]
	if !ok {
		devices = make(map[id.DeviceID]*DeviceIdentity)
		store.devices[userID] = devices
	}
	devices[device.DeviceID] = device
	return nil
}

func (store *MemoryStore) PutDevices(_ context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error {
	store.lock.Lock()
	store.devices[userID] = devices
	store.lock.Unlock()
	return nil
}

func (store *MemoryStore) FilterTrackedUsers(_ context.Context, users []id.UserID) ([]id.UserID, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	tracked := make([]id.UserID, 0, len(users))
	for _, userID := range users {
		if _, ok := store.devices[userID]; ok {
			tracked = append(tracked, userID)
		}
	}
	return tracked, nil
}

func (store *MemoryStore) PutCrossSigningKey(_ context.Context, userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	keys, ok := store.crossSigningKeys[userID]
	if !ok {
		keys = make(map[id.CrossSigningUsage]TOFUSigningKey)
		store.crossSigningKeys[userID] = keys
	}
	existing, ok := keys[usage]
	if !ok {
		keys[usage] = TOFUSigningKey{Key: key, First: key}
	} else {
		keys[usage] = TOFUSigningKey{Key: key, First: existing.First}
	}
	return nil
}

func (store *MemoryStore) GetCrossSigningKeys(_ context.Context, userID id.UserID) (map[id.CrossSigningUsage]TOFUSigningKey, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	return store.crossSigningKeys[userID], nil
}

func (store *MemoryStore) PutSignature(_ context.Context, target, signer CrossSigner, signature string) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	signed, ok := store.signatures[signer]
	if !ok {
		signed = make(map[CrossSigner]string)
		store.signatures[signer] = signed
	}
	signed[target] = signature
	return nil
}

func (store *MemoryStore) IsKeySignedBy(_ context.Context, target, signer CrossSigner) (bool, error) {
	store.lock.RLock()
	defer store.lock.RUnlock()
	_, ok := store.signatures[signer][target]
	return ok, nil
}

func (store *MemoryStore) DropSignaturesByKey(_ context.Context, signer CrossSigner) (int, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	count := len(store.signatures[signer])
	delete(store.signatures, signer)
	return count, nil
}
