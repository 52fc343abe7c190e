package e2ee

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"
)

// canonicalSigningPayload marshals the given object, strips the signatures
// and unsigned fields, and returns the canonical JSON that Matrix signatures
// cover.
func canonicalSigningPayload(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal object: %w", err)
	}
	var unpacked map[string]json.RawMessage
	if err = json.Unmarshal(raw, &unpacked); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	delete(unpacked, "signatures")
	delete(unpacked, "unsigned")
	stripped, err := json.Marshal(unpacked)
	if err != nil {
		return nil, fmt.Errorf("marshal stripped object: %w", err)
	}
	return canonicaljson.CanonicalJSON(stripped)
}

// verifySignatureJSON checks the signature made by the given user's key over
// the canonical JSON of the object. keyName is the device ID or the unpadded
// base64 of the signing key, whichever the signer used in the key ID.
func verifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) bool {
	raw, err := json.Marshal(obj)
	if err != nil {
		return false
	}
	var signed struct {
		Signatures Signatures `json:"signatures"`
	}
	if err = json.Unmarshal(raw, &signed); err != nil {
		return false
	}
	sigs, ok := signed.Signatures[userID]
	if !ok {
		return false
	}
	signature, ok := sigs[id.NewKeyID(id.KeyAlgorithmEd25519, keyName)]
	if !ok {
		return false
	}
	payload, err := canonicalSigningPayload(obj)
	if err != nil {
		return false
	}
	return verifyEd25519(key, payload, signature)
}

func verifyEd25519(key id.Ed25519, message []byte, signature string) bool {
	keyBytes, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil || len(keyBytes) != ed25519.PublicKeySize {
		return false
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(keyBytes, message, sigBytes)
}
