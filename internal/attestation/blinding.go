package attestation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"attestor/internal/models"
)

// hashPair is the commitment primitive: base64(sha256(json([value, blinding]))).
// With the blinding factor withheld, the hash reveals nothing about the value;
// with it disclosed, anyone can verify the published claim field.
func hashPair(value, blinding string) string {
	raw, _ := json.Marshal([2]string{value, blinding})
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func newBlinding() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("blinding: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// BlindedField carries a disclosed value with its blinding factor. The pair
// is delivered to the user only; the server never stores it.
type BlindedField struct {
	Value    string `json:"value"`
	Blinding string `json:"blinding"`
}

// blindProfile commits to every non-empty profile field. Returns the
// published field hashes and the private value+blinding pairs.
func blindProfile(p models.Profile) (map[string]string, map[string]BlindedField, error) {
	hashes := make(map[string]string)
	src := make(map[string]BlindedField)
	for name, value := range profileFields(p) {
		if value == "" {
			continue
		}
		blinding, err := newBlinding()
		if err != nil {
			return nil, nil, err
		}
		hashes[name] = hashPair(value, blinding)
		src[name] = BlindedField{Value: value, Blinding: blinding}
	}
	return hashes, src, nil
}

// profileHash commits to the whole blinded field map. json.Marshal emits map
// keys sorted, which keeps the hash deterministic.
func profileHash(hashes map[string]string) string {
	raw, _ := json.Marshal(hashes)
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// UserID is the stable pseudonymous fingerprint of a person:
// base64(sha256(json([short_profile, salt]))). Two verifications of the same
// person yield the same id, which is what deduplicates rewards.
func UserID(salt string, p models.Profile) string {
	short := map[string]string{
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"dob":        p.DOB,
	}
	raw, _ := json.Marshal([2]any{short, salt})
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func profileFields(p models.Profile) map[string]string {
	return map[string]string{
		"first_name": p.FirstName,
		"last_name":  p.LastName,
		"dob":        p.DOB,
		"country":    p.Country,
		"us_state":   p.USState,
		"id_number":  p.IDNumber,
		"id_type":    p.IDType,
		"id_subtype": p.IDSubtype,
	}
}
