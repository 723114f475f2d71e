package state

import (
	"encoding/base64"
	"fmt"
)

func (k PublicKey) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(k[:])), nil
}

func (k *PublicKey) UnmarshalText(text []byte) error {
	return unmarshalFixed(text, k[:])
}

func (h SecureHash) MarshalText() ([]byte, error) {
	return []byte(base64.StdEncoding.EncodeToString(h[:])), nil
}

func (h *SecureHash) UnmarshalText(text []byte) error {
	return unmarshalFixed(text, h[:])
}

func unmarshalFixed(text []byte, out []byte) error {
	data, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != len(out) {
		return fmt.Errorf("invalid key length %d, expected %d", len(data), len(out))
	}
	copy(out, data)
	return nil
}
