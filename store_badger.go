package e2ee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// BadgerStore persists crypto state in a badger database. Olm and megolm
// ratchet state is pickled with the pickle key, everything else is plain
// JSON.
type BadgerStore struct {
	DB        *badger.DB
	PickleKey []byte
}

var _ Store = (*BadgerStore)(nil)

func NewBadgerStore(path string, pickleKey []byte) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &BadgerStore{DB: db, PickleKey: pickleKey}, nil
}

func (store *BadgerStore) Close() error {
	return store.DB.Close()
}

func (store *BadgerStore) Flush(_ context.Context) error {
	return store.DB.Sync()
}

const (
	prefixAccount         = "acc"
	prefixOlmSession      = "olm|"
	prefixInboundSession  = "igs|"
	prefixOutboundSession = "ogs|"
	prefixMessageIndex    = "idx|"
	prefixDevice          = "dev|"
	prefixTrackedUser     = "usr|"
	prefixCrossSigningKey = "csk|"
	prefixSignature       = "sig|"
)

func (store *BadgerStore) get(key string, out any) (bool, error) {
	err := store.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (store *BadgerStore) set(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.DB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

const keyDeviceID = "device_id"

func (store *BadgerStore) PutDeviceID(_ context.Context, deviceID id.DeviceID) error {
	return store.DB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyDeviceID), []byte(deviceID))
	})
}

func (store *BadgerStore) GetDeviceID(_ context.Context) (id.DeviceID, error) {
	var deviceID id.DeviceID
	err := store.DB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyDeviceID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			deviceID = id.DeviceID(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	return deviceID, err
}

type storedAccount struct {
	Pickled []byte `json:"pickled"`
	Shared  bool   `json:"shared"`
}

func (store *BadgerStore) PutAccount(_ context.Context, account *OlmAccount) error {
	pickled, err := account.Internal.Pickle(store.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle account: %w", err)
	}
	return store.set(prefixAccount, &storedAccount{Pickled: pickled, Shared: account.Shared})
}

func (store *BadgerStore) GetAccount(_ context.Context) (*OlmAccount, error) {
	var stored storedAccount
	found, err := store.get(prefixAccount, &stored)
	if err != nil || !found {
		return nil, err
	}
	return AccountFromPickled(stored.Pickled, store.PickleKey, stored.Shared)
}

type storedOlmSession struct {
	Pickled       []byte    `json:"pickled"`
	CreationTime  time.Time `json:"creation_time"`
	LastEncrypted time.Time `json:"last_encrypted"`
	LastDecrypted time.Time `json:"last_decrypted"`
}

func olmSessionKey(senderKey id.SenderKey, sessionID id.SessionID) string {
	return prefixOlmSession + string(senderKey) + "|" + string(sessionID)
}

func (store *BadgerStore) putOlmSession(senderKey id.SenderKey, session *OlmSession) error {
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle session: %w", err)
	}
	return store.set(olmSessionKey(senderKey, session.ID), &storedOlmSession{
		Pickled:       pickled,
		CreationTime:  session.CreationTime,
		LastEncrypted: session.LastEncrypted,
		LastDecrypted: session.LastDecrypted,
	})
}

func (store *BadgerStore) AddSession(_ context.Context, senderKey id.SenderKey, session *OlmSession) error {
	return store.putOlmSession(senderKey, session)
}

func (store *BadgerStore) UpdateSession(_ context.Context, senderKey id.SenderKey, session *OlmSession) error {
	return store.putOlmSession(senderKey, session)
}

func (store *BadgerStore) HasSession(ctx context.Context, senderKey id.SenderKey) bool {
	sessions, err := store.GetSessions(ctx, senderKey)
	return err == nil && len(sessions) > 0
}

func (store *BadgerStore) GetSessions(_ context.Context, senderKey id.SenderKey) ([]*OlmSession, error) {
	var sessions []*OlmSession
	prefix := []byte(prefixOlmSession + string(senderKey) + "|")
	err := store.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var stored storedOlmSession
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			})
			if err != nil {
				return err
			}
			inner, err := olm.SessionFromPickled(stored.Pickled, store.PickleKey)
			if err != nil {
				return fmt.Errorf("unpickle session %s: %w", item.Key(), err)
			}
			sessions = append(sessions, &OlmSession{
				Internal:      inner,
				ID:            inner.ID(),
				CreationTime:  stored.CreationTime,
				LastEncrypted: stored.LastEncrypted,
				LastDecrypted: stored.LastDecrypted,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Sort oldest first so callers can treat the last one as most recent.
	for i := 1; i < len(sessions); i++ {
		for j := i; j > 0 && sessions[j].LastDecrypted.Before(sessions[j-1].LastDecrypted); j-- {
			sessions[j], sessions[j-1] = sessions[j-1], sessions[j]
		}
	}
	return sessions, nil
}

func (store *BadgerStore) GetLatestSession(ctx context.Context, senderKey id.SenderKey) (*OlmSession, error) {
	sessions, err := store.GetSessions(ctx, senderKey)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return sessions[len(sessions)-1], nil
}

type storedInboundSession struct {
	Pickled          []byte        `json:"pickled"`
	SigningKey       id.Ed25519    `json:"signing_key"`
	SenderKey        id.SenderKey  `json:"sender_key"`
	RoomID           id.RoomID     `json:"room_id"`
	ForwardingChains []string      `json:"forwarding_chains,omitempty"`
	RatchetSafety    RatchetSafety `json:"ratchet_safety"`
	ReceivedAt       time.Time     `json:"received_at"`
	MaxAge           time.Duration `json:"max_age"`
	MaxMessages      int           `json:"max_messages"`
	IsScheduled      bool          `json:"is_scheduled"`
}

func inboundSessionKey(roomID id.RoomID, sessionID id.SessionID) string {
	return prefixInboundSession + string(roomID) + "|" + string(sessionID)
}

func (store *BadgerStore) PutGroupSession(_ context.Context, roomID id.RoomID, _ id.SenderKey, sessionID id.SessionID, session *InboundGroupSession) error {
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle group session: %w", err)
	}
	return store.set(inboundSessionKey(roomID, sessionID), &storedInboundSession{
		Pickled:          pickled,
		SigningKey:       session.SigningKey,
		SenderKey:        session.SenderKey,
		RoomID:           session.RoomID,
		ForwardingChains: session.ForwardingChains,
		RatchetSafety:    session.RatchetSafety,
		ReceivedAt:       session.ReceivedAt,
		MaxAge:           session.MaxAge,
		MaxMessages:      session.MaxMessages,
		IsScheduled:      session.IsScheduled,
	})
}

func (store *BadgerStore) loadInboundSession(stored *storedInboundSession) (*InboundGroupSession, error) {
	inner, err := olm.InboundGroupSessionFromPickled(stored.Pickled, store.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle group session: %w", err)
	}
	return &InboundGroupSession{
		Internal:         inner,
		SigningKey:       stored.SigningKey,
		SenderKey:        stored.SenderKey,
		RoomID:           stored.RoomID,
		ForwardingChains: stored.ForwardingChains,
		RatchetSafety:    stored.RatchetSafety,
		ReceivedAt:       stored.ReceivedAt,
		MaxAge:           stored.MaxAge,
		MaxMessages:      stored.MaxMessages,
		IsScheduled:      stored.IsScheduled,
	}, nil
}

func (store *BadgerStore) GetGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSession, error) {
	var stored storedInboundSession
	found, err := store.get(inboundSessionKey(roomID, sessionID), &stored)
	if err != nil || !found {
		return nil, err
	}
	return store.loadInboundSession(&stored)
}

func (store *BadgerStore) HasGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID) bool {
	err := store.DB.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(inboundSessionKey(roomID, sessionID)))
		return err
	})
	return err == nil
}

func (store *BadgerStore) RedactGroupSession(_ context.Context, roomID id.RoomID, sessionID id.SessionID, _ string) error {
	return store.DB.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(inboundSessionKey(roomID, sessionID)))
	})
}

func (store *BadgerStore) RedactGroupSessions(_ context.Context, roomID id.RoomID, senderKey id.SenderKey, _ string) ([]id.SessionID, error) {
	prefix := []byte(prefixInboundSession)
	if roomID != "" {
		prefix = []byte(prefixInboundSession + string(roomID) + "|")
	}
	var deleted []id.SessionID
	err := store.DB.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var stored storedInboundSession
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			})
			if err != nil {
				it.Close()
				return err
			}
			if senderKey != "" && stored.SenderKey != senderKey {
				continue
			}
			key := item.KeyCopy(nil)
			keys = append(keys, key)
			parts := bytes.Split(key, []byte("|"))
			deleted = append(deleted, id.SessionID(parts[len(parts)-1]))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (store *BadgerStore) RedactExpiredGroupSessions(_ context.Context) ([]id.SessionID, error) {
	var deleted []id.SessionID
	err := store.DB.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixInboundSession)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var stored storedInboundSession
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			})
			if err != nil {
				it.Close()
				return err
			}
			if stored.MaxAge == 0 || stored.ReceivedAt.IsZero() {
				continue
			}
			if time.Since(stored.ReceivedAt) > 2*stored.MaxAge {
				key := item.KeyCopy(nil)
				keys = append(keys, key)
				parts := bytes.Split(key, []byte("|"))
				deleted = append(deleted, id.SessionID(parts[len(parts)-1]))
			}
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

type storedOutboundSession struct {
	Pickled      []byte        `json:"pickled"`
	RoomID       id.RoomID     `json:"room_id"`
	Shared       bool          `json:"shared"`
	MaxMessages  int           `json:"max_messages"`
	MessageCount int           `json:"message_count"`
	MaxAge       time.Duration `json:"max_age"`
	CreationTime time.Time     `json:"creation_time"`
	UseTime      time.Time     `json:"use_time"`

	UsersSharedWith []UserDevice `json:"users_shared_with,omitempty"`
	UsersIgnored    []UserDevice `json:"users_ignored,omitempty"`
}

func (store *BadgerStore) putOutboundSession(session *OutboundGroupSession) error {
	pickled, err := session.Internal.Pickle(store.PickleKey)
	if err != nil {
		return fmt.Errorf("pickle outbound session: %w", err)
	}
	stored := &storedOutboundSession{
		Pickled:      pickled,
		RoomID:       session.RoomID,
		Shared:       session.Shared,
		MaxMessages:  session.MaxMessages,
		MessageCount: session.MessageCount,
		MaxAge:       session.MaxAge,
		CreationTime: session.CreationTime,
		UseTime:      session.UseTime,
	}
	for userDevice := range session.UsersSharedWith {
		stored.UsersSharedWith = append(stored.UsersSharedWith, userDevice)
	}
	for userDevice := range session.UsersIgnored {
		stored.UsersIgnored = append(stored.UsersIgnored, userDevice)
	}
	return store.set(prefixOutboundSession+string(session.RoomID), stored)
}

func (store *BadgerStore) AddOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	return store.putOutboundSession(session)
}

func (store *BadgerStore) UpdateOutboundGroupSession(_ context.Context, session *OutboundGroupSession) error {
	return store.putOutboundSession(session)
}

func (store *BadgerStore) GetOutboundGroupSession(_ context.Context, roomID id.RoomID) (*OutboundGroupSession, error) {
	var stored storedOutboundSession
	found, err := store.get(prefixOutboundSession+string(roomID), &stored)
	if err != nil || !found {
		return nil, err
	}
	inner, err := olm.OutboundGroupSessionFromPickled(stored.Pickled, store.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("unpickle outbound session: %w", err)
	}
	session := &OutboundGroupSession{
		Internal:        inner,
		RoomID:          stored.RoomID,
		Shared:          stored.Shared,
		MaxMessages:     stored.MaxMessages,
		MessageCount:    stored.MessageCount,
		MaxAge:          stored.MaxAge,
		CreationTime:    stored.CreationTime,
		UseTime:         stored.UseTime,
		UsersSharedWith: make(map[UserDevice]struct{}, len(stored.UsersSharedWith)),
		UsersIgnored:    make(map[UserDevice]struct{}, len(stored.UsersIgnored)),
	}
	for _, userDevice := range stored.UsersSharedWith {
		session.UsersSharedWith[userDevice] = struct{}{}
	}
	for _, userDevice := range stored.UsersIgnored {
		session.UsersIgnored[userDevice] = struct{}{}
	}
	return session, nil
}

func (store *BadgerStore) RemoveOutboundGroupSession(_ context.Context, roomID id.RoomID) error {
	return store.DB.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(prefixOutboundSession + string(roomID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (store *BadgerStore) RemoveOutboundGroupSessions(ctx context.Context, rooms []id.RoomID) error {
	for _, roomID := range rooms {
		if err := store.RemoveOutboundGroupSession(ctx, roomID); err != nil {
			return err
		}
	}
	return nil
}

func messageIndexStoreKey(senderKey id.SenderKey, sessionID id.SessionID, index uint32) string {
	return prefixMessageIndex + string(senderKey) + "|" + string(sessionID) + "|" + strconv.FormatUint(uint64(index), 10)
}

func (store *BadgerStore) ValidateMessageIndex(_ context.Context, senderKey id.SenderKey, sessionID id.SessionID, eventID id.EventID, index uint32, timestamp int64) (bool, error) {
	key := []byte(messageIndexStoreKey(senderKey, sessionID, index))
	valid := false
	err := store.DB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			valid = true
			value, err := json.Marshal(&messageIndexValue{EventID: eventID, Timestamp: timestamp})
			if err != nil {
				return err
			}
			return txn.Set(key, value)
		} else if err != nil {
			return err
		}
		var existing messageIndexValue
		if err = item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); err != nil {
			return err
		}
		valid = existing.EventID == eventID && existing.Timestamp == timestamp
		return nil
	})
	return valid, err
}

func deviceKey(userID id.UserID, deviceID id.DeviceID) string {
	return prefixDevice + string(userID) + "|" + string(deviceID)
}

func (store *BadgerStore) GetDevices(_ context.Context, userID id.UserID) (map[id.DeviceID]*DeviceIdentity, error) {
	tracked := false
	if found, err := store.get(prefixTrackedUser+string(userID), &tracked); err != nil {
		return nil, err
	} else if !found {
		return nil, nil
	}
	devices := make(map[id.DeviceID]*DeviceIdentity)
	err := store.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDevice + string(userID) + "|")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var device DeviceIdentity
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &device)
			})
			if err != nil {
				return err
			}
			devices[device.DeviceID] = &device
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (store *BadgerStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	var device DeviceIdentity
	found, err := store.get(deviceKey(userID, deviceID), &device)
	if err != nil || !found {
		return nil, err
	}
	return &device, nil
}

func (store *BadgerStore) FindDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.IdentityKey) (*DeviceIdentity, error) {
	devices, err := store.GetDevices(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.IdentityKey == identityKey {
			return device, nil
		}
	}
	return nil, nil
}

func (store *BadgerStore) PutDevice(_ context.Context, userID id.UserID, device *DeviceIdentity) error {
	if err := store.set(deviceKey(userID, device.DeviceID), device); err != nil {
		return err
	}
	return store.set(prefixTrackedUser+string(userID), true)
}

func (store *BadgerStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*DeviceIdentity) error {
	err := store.DB.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixDevice + string(userID) + "|")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for deviceID, device := range devices {
			data, err := json.Marshal(device)
			if err != nil {
				return err
			}
			if err = txn.Set([]byte(deviceKey(userID, deviceID)), data); err != nil {
				return err
			}
		}
		return txn.Set([]byte(prefixTrackedUser+string(userID)), []byte("true"))
	})
	return err
}

func (store *BadgerStore) FilterTrackedUsers(_ context.Context, users []id.UserID) ([]id.UserID, error) {
	tracked := make([]id.UserID, 0, len(users))
	err := store.DB.View(func(txn *badger.Txn) error {
		for _, userID := range users {
			_, err := txn.Get([]byte(prefixTrackedUser + string(userID)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			} else if err != nil {
				return err
			}
			tracked = append(tracked, userID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tracked, nil
}

func crossSigningKeyKey(userID id.UserID, usage id.CrossSigningUsage) string {
	return prefixCrossSigningKey + string(userID) + "|" + string(usage)
}

func (store *BadgerStore) PutCrossSigningKey(_ context.Context, userID id.UserID, usage id.CrossSigningUsage, key id.Ed25519) error {
	storeKey := []byte(crossSigningKeyKey(userID, usage))
	return store.DB.Update(func(txn *badger.Txn) error {
		stored := TOFUSigningKey{Key: key, First: key}
		item, err := txn.Get(storeKey)
		if err == nil {
			var existing TOFUSigningKey
			if err = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			stored.First = existing.First
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return txn.Set(storeKey, data)
	})
}

func (store *BadgerStore) GetCrossSigningKeys(_ context.Context, userID id.UserID) (map[id.CrossSigningUsage]TOFUSigningKey, error) {
	keys := make(map[id.CrossSigningUsage]TOFUSigningKey)
	err := store.DB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixCrossSigningKey + string(userID) + "|")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			usage := id.CrossSigningUsage(strings.TrimPrefix(string(item.Key()), prefixCrossSigningKey+string(userID)+"|"))
			var stored TOFUSigningKey
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			})
			if err != nil {
				return err
			}
			keys[usage] = stored
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func signatureKey(signer, target CrossSigner) string {
	return prefixSignature + string(signer.UserID) + "|" + string(signer.Key) + "|" + string(target.UserID) + "|" + string(target.Key)
}

func (store *BadgerStore) PutSignature(_ context.Context, target, signer CrossSigner, signature string) error {
	return store.DB.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(signatureKey(signer, target)), []byte(signature))
	})
}

func (store *BadgerStore) IsKeySignedBy(_ context.Context, target, signer CrossSigner) (bool, error) {
	err := store.DB.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(signatureKey(signer, target)))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (store *BadgerStore) DropSignaturesByKey(_ context.Context, signer CrossSigner) (int, error) {
	count := 0
	err := store.DB.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixSignature + string(signer.UserID) + "|" + string(signer.Key) + "|")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		count = len(keys)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
