package e2ee

import (
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// OlmAccount wraps the libolm account with the local device's cached public
// keys and the shared flag. The account is owned exclusively by the machine
// and persisted after every mutation.
type OlmAccount struct {
	Internal olm.Account

	SigningKey  id.Ed25519
	IdentityKey id.Curve25519
	Shared      bool
}

func NewOlmAccount() (*OlmAccount, error) {
	inner, err := olm.NewAccount()
	if err != nil {
		return nil, fmt.Errorf("create olm account: %w", err)
	}
	account := &OlmAccount{Internal: inner}
	if err = account.loadKeys(); err != nil {
		return nil, err
	}
	return account, nil
}

func AccountFromPickled(pickled, key []byte, shared bool) (*OlmAccount, error) {
	inner, err := olm.AccountFromPickled(pickled, key)
	if err != nil {
		return nil, fmt.Errorf("unpickle olm account: %w", err)
	}
	account := &OlmAccount{Internal: inner, Shared: shared}
	if err = account.loadKeys(); err != nil {
		return nil, err
	}
	return account, nil
}

func (account *OlmAccount) loadKeys() error {
	signingKey, identityKey, err := account.Internal.IdentityKeys()
	if err != nil {
		return fmt.Errorf("get identity keys: %w", err)
	}
	account.SigningKey = signingKey
	account.IdentityKey = identityKey
	return nil
}

func (account *OlmAccount) sign(payload []byte) (string, error) {
	signature, err := account.Internal.Sign(payload)
	if err != nil {
		return "", err
	}
	return string(signature), nil
}

// signJSON signs the canonical JSON of the object with the account's ed25519
// key, ignoring any existing signatures and unsigned fields.
func (account *OlmAccount) signJSON(obj any) (string, error) {
	payload, err := canonicalSigningPayload(obj)
	if err != nil {
		return "", err
	}
	return account.sign(payload)
}

// getInitialKeys returns the signed device key bundle for the initial upload.
func (account *OlmAccount) getInitialKeys(userID id.UserID, deviceID id.DeviceID) (*DeviceKeys, error) {
	deviceKeys := &DeviceKeys{
		UserID:     userID,
		DeviceID:   deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()):    string(account.SigningKey),
			id.NewKeyID(id.KeyAlgorithmCurve25519, deviceID.String()): string(account.IdentityKey),
		},
	}
	signature, err := account.signJSON(deviceKeys)
	if err != nil {
		return nil, fmt.Errorf("sign device keys: %w", err)
	}
	deviceKeys.Signatures = Signatures{
		userID: {
			id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()): signature,
		},
	}
	return deviceKeys, nil
}

// getOneTimeKeys tops the account up to half its maximum one-time key count
// and returns all unpublished keys, each signed individually.
func (account *OlmAccount) getOneTimeKeys(userID id.UserID, deviceID id.DeviceID, currentOTKCount int) (map[id.KeyID]OneTimeKey, error) {
	newCount := int(account.Internal.MaxNumberOfOneTimeKeys())/2 - currentOTKCount
	if newCount > 0 {
		if err := account.Internal.GenOneTimeKeys(uint(newCount)); err != nil {
			return nil, fmt.Errorf("generate one-time keys: %w", err)
		}
	}
	unpublished, err := account.Internal.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("get one-time keys: %w", err)
	}
	oneTimeKeys := make(map[id.KeyID]OneTimeKey, len(unpublished))
	for keyID, key := range unpublished {
		otk := OneTimeKey{Key: key}
		signature, err := account.signJSON(otk)
		if err != nil {
			return nil, fmt.Errorf("sign one-time key: %w", err)
		}
		otk.Signatures = Signatures{
			userID: {
				id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String()): signature,
			},
		}
		oneTimeKeys[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = otk
	}
	return oneTimeKeys, nil
}

// NewInboundSession creates an Olm session from a prekey message and removes
// the one-time key it used. Skipping the removal would let the same prekey
// message establish more sessions later, so the account must be persisted
// right after this call.
func (account *OlmAccount) NewInboundSession(senderKey id.SenderKey, ciphertext string) (*OlmSession, error) {
	session, err := account.Internal.NewInboundSessionFrom(&senderKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if err = account.Internal.RemoveOneTimeKeys(session); err != nil {
		return nil, fmt.Errorf("remove used one-time key: %w", err)
	}
	return wrapSession(session), nil
}

// NewOutboundSession creates an Olm session using a one-time key claimed from
// the target device. It does not consume any local one-time keys.
func (account *OlmAccount) NewOutboundSession(targetKey, oneTimeKey id.Curve25519) (*OlmSession, error) {
	session, err := account.Internal.NewOutboundSession(targetKey, oneTimeKey)
	if err != nil {
		return nil, err
	}
	return wrapSession(session), nil
}
