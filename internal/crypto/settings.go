package crypto

import (
	"encoding/json"
	"strings"
)

// Redacted replaces secret setting values on read paths.
const Redacted = "HIDDEN"

var secretParts = map[string]bool{
	"KEY":      true,
	"APIKEY":   true,
	"SECRET":   true,
	"TOKEN":    true,
	"PASSWORD": true,
}

// IsSecretKey reports whether a settings key names a credential. Matching is
// per underscore-separated word, so MAX_TOKENS stays plain while API_KEY,
// CLIENT_SECRET and BOT_TOKEN are sealed.
func IsSecretKey(name string) bool {
	for _, part := range strings.Split(strings.ToUpper(name), "_") {
		if secretParts[part] {
			return true
		}
	}
	return false
}

func looksSealed(value string) bool {
	if !strings.HasPrefix(strings.TrimSpace(value), "{") {
		return false
	}
	var env Envelope
	if err := json.Unmarshal([]byte(value), &env); err != nil {
		return false
	}
	return env.KeyID != "" && env.Nonce != "" && env.Ciphertext != ""
}

// SealSettings encrypts the secret-valued entries of a settings map in place
// of their plaintext. Already sealed values pass through untouched so updates
// can echo back a previous read.
func (m *Manager) SealSettings(settings map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if !IsSecretKey(k) || v == "" || v == Redacted || looksSealed(v) {
			out[k] = v
			continue
		}
		sealed, err := m.MarshalEncryptedString(v)
		if err != nil {
			return nil, err
		}
		out[k] = sealed
	}
	return out, nil
}

// OpenSettings decrypts sealed entries back to plaintext for provider calls.
func (m *Manager) OpenSettings(settings map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if !looksSealed(v) {
			out[k] = v
			continue
		}
		plain, err := m.UnmarshalEncryptedString(v)
		if err != nil {
			return nil, err
		}
		out[k] = plain
	}
	return out, nil
}

// RedactSettings masks secret entries for API responses.
func RedactSettings(settings map[string]string) map[string]string {
	out := make(map[string]string, len(settings))
	for k, v := range settings {
		if IsSecretKey(k) && v != "" {
			out[k] = Redacted
			continue
		}
		out[k] = v
	}
	return out
}
