package e2ee

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix/id"
)

const fetchKeysBatchSize = 50

// FetchKeys queries the server for the device keys of the given users,
// validates every device, and replaces the stored device lists. When
// includeUntracked is false, users with no stored device list are skipped.
func (mach *OlmMachine) FetchKeys(ctx context.Context, users []id.UserID, includeUntracked bool) (map[id.UserID]map[id.DeviceID]*DeviceIdentity, error) {
	if !includeUntracked {
		var err error
		users, err = mach.Store.FilterTrackedUsers(ctx, users)
		if err != nil {
			return nil, fmt.Errorf("filter tracked users: %w", err)
		}
	}
	if len(users) == 0 {
		return map[id.UserID]map[id.DeviceID]*DeviceIdentity{}, nil
	}
	data := make(map[id.UserID]map[id.DeviceID]*DeviceIdentity, len(users))
	for batchStart := 0; batchStart < len(users); batchStart += fetchKeysBatchSize {
		batch := users[batchStart:min(batchStart+fetchKeysBatchSize, len(users))]
		req := &ReqQueryKeys{DeviceKeys: make(map[id.UserID][]id.DeviceID, len(batch))}
		for _, userID := range batch {
			req.DeviceKeys[userID] = nil
		}
		mach.Log.Debug("querying device keys", "users", len(batch))
		resp, err := mach.Transport.QueryKeys(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("query keys: %w", err)
		}
		for userID, deviceKeys := range resp.DeviceKeys {
			delete(req.DeviceKeys, userID)
			newDevices := make(map[id.DeviceID]*DeviceIdentity, len(deviceKeys))
			existing, err := mach.Store.GetDevices(ctx, userID)
			if err != nil {
				mach.Log.Warn("failed to get existing devices", "user_id", userID, "err", err)
				existing = nil
			}
			for deviceID, keys := range deviceKeys {
				device, err := mach.validateDevice(userID, deviceID, &keys, existing[deviceID])
				if err != nil {
					mach.Log.Warn("rejecting device keys",
						"user_id", userID,
						"device_id", deviceID,
						"err", err,
					)
					continue
				}
				newDevices[deviceID] = device
				mach.storeDeviceSelfSignatures(ctx, userID, deviceID, &keys)
			}
			if mach.DeleteKeysOnDeviceDelete {
				for deviceID, device := range existing {
					if _, stillThere := newDevices[deviceID]; !stillThere {
						removed, err := mach.Store.RedactGroupSessions(ctx, "", device.IdentityKey, "device deleted")
						if err != nil {
							mach.Log.Warn("failed to redact sessions of deleted device", "device_id", deviceID, "err", err)
						} else if len(removed) > 0 {
							mach.Log.Info("redacted megolm sessions of deleted device",
								"device_id", deviceID,
								"session_ids", removed,
							)
						}
					}
				}
			}
			if err = mach.Store.PutDevices(ctx, userID, newDevices); err != nil {
				mach.Log.Warn("failed to store device list", "user_id", userID, "err", err)
			}
			data[userID] = newDevices
			mach.onDevicesChanged(ctx, userID, existing, newDevices)
		}
		for userID := range req.DeviceKeys {
			mach.Log.Warn("didn't get device keys for user in response", "user_id", userID)
		}
		mach.storeCrossSigningKeys(ctx, resp.MasterKeys, resp.DeviceKeys)
		mach.storeCrossSigningKeys(ctx, resp.SelfSigningKeys, resp.DeviceKeys)
		mach.storeCrossSigningKeys(ctx, resp.UserSigningKeys, nil)
	}
	return data, nil
}

// validateDevice checks the signature and key consistency of a single device
// key bundle, carrying over trust state from the previously stored identity.
func (mach *OlmMachine) validateDevice(userID id.UserID, deviceID id.DeviceID, deviceKeys *DeviceKeys, existing *DeviceIdentity) (*DeviceIdentity, error) {
	if deviceKeys.UserID != userID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingUserID, userID, deviceKeys.UserID)
	}
	if deviceKeys.DeviceID != deviceID {
		return nil, fmt.Errorf("%w (expected %s, got %s)", ErrMismatchingDeviceID, deviceID, deviceKeys.DeviceID)
	}
	signingKey := deviceKeys.Ed25519()
	identityKey := deviceKeys.Curve25519()
	if signingKey == "" {
		return nil, ErrNoSigningKey
	}
	if identityKey == "" {
		return nil, ErrNoIdentityKey
	}
	if existing != nil && existing.SigningKey != signingKey {
		return nil, fmt.Errorf("%w (stored %s, got %s)", ErrSigningKeyChanged, existing.SigningKey, signingKey)
	}
	if !verifySignatureJSON(deviceKeys, userID, deviceID.String(), signingKey) {
		return nil, ErrInvalidKeySignature
	}
	trust := id.TrustStateUnset
	deleted := false
	if existing != nil {
		trust = existing.Trust
		deleted = existing.Deleted
	}
	return &DeviceIdentity{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: identityKey,
		SigningKey:  signingKey,
		Trust:       trust,
		Deleted:     deleted,
		Name:        deviceKeys.DisplayName(),
	}, nil
}

// storeDeviceSelfSignatures records the device's own signature and any
// cross-signing signatures included in its key bundle.
func (mach *OlmMachine) storeDeviceSelfSignatures(ctx context.Context, userID id.UserID, deviceID id.DeviceID, deviceKeys *DeviceKeys) {
	for signerUserID, signerKeys := range deviceKeys.Signatures {
		for signerKeyID, signature := range signerKeys {
			_, signerKeyName := signerKeyID.Parse()
			signerKey := id.Ed25519(signerKeyName)
			if signerKeyName == deviceID.String() {
				// The device signed itself, store under its signing key.
				signerKey = deviceKeys.Ed25519()
			}
			target := CrossSigner{UserID: userID, Key: deviceKeys.Ed25519()}
			signer := CrossSigner{UserID: signerUserID, Key: signerKey}
			if err := mach.Store.PutSignature(ctx, target, signer, signature); err != nil {
				mach.Log.Warn("failed to store device signature",
					"user_id", userID,
					"device_id", deviceID,
					"signer", signerUserID,
					"err", err,
				)
			}
		}
	}
}

// storeCrossSigningKeys verifies and stores cross-signing keys from a key
// query response. Master keys may be unsigned (trust on first use); self and
// user signing keys must be signed by the stored master key.
func (mach *OlmMachine) storeCrossSigningKeys(ctx context.Context, keys map[id.UserID]CrossSigningKeys, deviceKeys map[id.UserID]map[id.DeviceID]DeviceKeys) {
	for userID, csKeys := range keys {
		pubKey := csKeys.FirstKey()
		if pubKey == "" {
			mach.Log.Warn("cross-signing key bundle has no key", "user_id", userID)
			continue
		}
		for _, usage := range csKeys.Usage {
			currentKeys, err := mach.Store.GetCrossSigningKeys(ctx, userID)
			if err != nil {
				mach.Log.Warn("failed to get stored cross-signing keys", "user_id", userID, "err", err)
				continue
			}
			if existing, ok := currentKeys[usage]; ok && existing.Key != pubKey {
				count, err := mach.Store.DropSignaturesByKey(ctx, CrossSigner{UserID: userID, Key: existing.Key})
				if err != nil {
					mach.Log.Warn("failed to drop signatures of replaced key", "user_id", userID, "err", err)
				} else if count > 0 {
					mach.Log.Debug("dropped signatures made by replaced cross-signing key",
						"user_id", userID,
						"usage", usage,
						"count", count,
					)
				}
			}
			if err = mach.Store.PutCrossSigningKey(ctx, userID, usage, pubKey); err != nil {
				mach.Log.Warn("failed to store cross-signing key", "user_id", userID, "usage", usage, "err", err)
			}
		}
		// Signatures on the cross-signing key itself: from the user's other
		// cross-signing keys or from their devices.
		for signerUserID, signerKeys := range csKeys.Signatures {
			for signerKeyID, signature := range signerKeys {
				_, signerKeyName := signerKeyID.Parse()
				signerKey := id.Ed25519(signerKeyName)
				if devices, ok := deviceKeys[signerUserID]; ok {
					if device, ok := devices[id.DeviceID(signerKeyName)]; ok {
						signerKey = device.Ed25519()
					}
				}
				if !verifySignatureJSON(csKeys, signerUserID, signerKeyName, signerKey) {
					mach.Log.Warn("invalid signature on cross-signing key",
						"user_id", userID,
						"signer", signerUserID,
						"signer_key", signerKey,
					)
					continue
				}
				target := CrossSigner{UserID: userID, Key: pubKey}
				signer := CrossSigner{UserID: signerUserID, Key: signerKey}
				if err := mach.Store.PutSignature(ctx, target, signer, signature); err != nil {
					mach.Log.Warn("failed to store cross-signing signature", "user_id", userID, "err", err)
				}
			}
		}
	}
}

// onDevicesChanged invalidates outbound sessions of rooms shared with the
// user when their device list changes.
func (mach *OlmMachine) onDevicesChanged(ctx context.Context, userID id.UserID, oldDevices, newDevices map[id.DeviceID]*DeviceIdentity) {
	if oldDevices == nil {
		return
	}
	changed := len(oldDevices) != len(newDevices)
	if !changed {
		for deviceID, oldDevice := range oldDevices {
			newDevice, ok := newDevices[deviceID]
			if !ok || oldDevice.IdentityKey != newDevice.IdentityKey {
				changed = true
				break
			}
		}
	}
	if !changed {
		return
	}
	rooms, err := mach.StateStore.FindSharedRooms(ctx, userID)
	if err != nil {
		mach.Log.Warn("failed to find shared rooms for session invalidation", "user_id", userID, "err", err)
		return
	}
	if len(rooms) == 0 {
		return
	}
	mach.Log.Debug("devices changed, invalidating outbound group sessions",
		"user_id", userID,
		"rooms", len(rooms),
	)
	if err = mach.Store.RemoveOutboundGroupSessions(ctx, rooms); err != nil {
		mach.Log.Warn("failed to invalidate outbound group sessions", "user_id", userID, "err", err)
	}
}

// GetOrFetchDevice returns the stored device identity, querying the server if
// the device isn't known yet.
func (mach *OlmMachine) GetOrFetchDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceIdentity, error) {
	device, err := mach.Store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("get device from store: %w", err)
	} else if device != nil {
		return device, nil
	}
	usersToDevices, err := mach.FetchKeys(ctx, []id.UserID{userID}, true)
	if err != nil {
		return nil, err
	}
	if device, ok := usersToDevices[userID][deviceID]; ok {
		return device, nil
	}
	return nil, fmt.Errorf("didn't get identity for device %s of %s", deviceID, userID)
}

// GetOrFetchDeviceByKey looks up a device by its curve25519 identity key,
// querying the server on a store miss.
func (mach *OlmMachine) GetOrFetchDeviceByKey(ctx context.Context, userID id.UserID, identityKey id.IdentityKey) (*DeviceIdentity, error) {
	device, err := mach.Store.FindDeviceByKey(ctx, userID, identityKey)
	if err != nil || device != nil {
		return device, err
	}
	mach.Log.Debug("didn't find identity key in store, fetching keys",
		"user_id", userID,
		"identity_key", identityKey,
	)
	usersToDevices, err := mach.FetchKeys(ctx, []id.UserID{userID}, true)
	if err != nil {
		return nil, err
	}
	for _, device := range usersToDevices[userID] {
		if device.IdentityKey == identityKey {
			return device, nil
		}
	}
	return nil, nil
}

// fetchCrossSigningKeys gets a user's cross-signing keys, hitting the server
// at most once per user per run. Concurrent calls for the same user share a
// single fetch.
func (mach *OlmMachine) fetchCrossSigningKeys(ctx context.Context, userID id.UserID) (map[id.CrossSigningUsage]TOFUSigningKey, error) {
	keys, err := mach.Store.GetCrossSigningKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, hasMaster := keys[id.XSUsageMaster]; hasMaster {
		return keys, nil
	}
	if _, attempted := mach.csFetchAttempted.Load(userID); attempted {
		return keys, nil
	}
	_, err, _ = mach.csFetchGroup.Do(string(userID), func() (any, error) {
		mach.csFetchAttempted.Store(userID, struct{}{})
		_, err := mach.FetchKeys(ctx, []id.UserID{userID}, true)
		return nil, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch cross-signing keys: %w", err)
	}
	return mach.Store.GetCrossSigningKeys(ctx, userID)
}

// ResolveTrust returns the effective trust state of a device. Explicit
// verification and blacklisting are sticky; otherwise the cross-signing chain
// decides: the user's self-signing key must be signed by their master key and
// the device by the self-signing key.
func (mach *OlmMachine) ResolveTrust(ctx context.Context, device *DeviceIdentity) id.TrustState {
	if device.Trust == id.TrustStateVerified || device.Trust == id.TrustStateBlacklisted {
		return device.Trust
	}
	keys, err := mach.fetchCrossSigningKeys(ctx, device.UserID)
	if err != nil {
		mach.Log.Warn("failed to get cross-signing keys for trust resolution",
			"user_id", device.UserID,
			"err", err,
		)
		return id.TrustStateUnset
	}
	masterKey, hasMaster := keys[id.XSUsageMaster]
	selfSigningKey, hasSelfSigning := keys[id.XSUsageSelfSigning]
	if !hasMaster || !hasSelfSigning {
		return id.TrustStateUnset
	}
	selfSigSigned, err := mach.Store.IsKeySignedBy(ctx,
		CrossSigner{UserID: device.UserID, Key: selfSigningKey.Key},
		CrossSigner{UserID: device.UserID, Key: masterKey.Key},
	)
	if err != nil || !selfSigSigned {
		return id.TrustStateUnset
	}
	deviceSigned, err := mach.Store.IsKeySignedBy(ctx,
		CrossSigner{UserID: device.UserID, Key: device.SigningKey},
		CrossSigner{UserID: device.UserID, Key: selfSigningKey.Key},
	)
	if err != nil || !deviceSigned {
		return id.TrustStateUnset
	}
	if mach.IsUserTrusted != nil && mach.IsUserTrusted(ctx, device.UserID) {
		return id.TrustStateCrossSignedVerified
	}
	if masterKey.Key == masterKey.First {
		return id.TrustStateCrossSignedTOFU
	}
	// The master key changed since we first saw this user.
	return id.TrustStateCrossSignedUntrusted
}

// IsDeviceTrusted reports whether the device clears the machine's minimum
// trust for sending keys.
func (mach *OlmMachine) IsDeviceTrusted(ctx context.Context, device *DeviceIdentity) bool {
	return mach.ResolveTrust(ctx, device) >= mach.SendKeysMinTrust
}
