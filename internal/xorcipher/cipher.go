// Package xorcipher implements the transport obfuscation shared by the license
// server and its clients.
//
// The key is derived from the device id and license key, both of which travel
// in plaintext next to the ciphertext, and the cipher is a repeating-key XOR
// with no integrity check. It hides payloads from casual inspection only and
// must not be mistaken for encryption. Payload validation downstream is what
// rejects a wrong key.
package xorcipher

import (
	"encoding/base64"
)

const keyPartLen = 8

// DeriveKey returns the last 8 characters of deviceID followed by the first 8
// characters of licenseKey. Shorter inputs are used whole.
func DeriveKey(deviceID, licenseKey string) string {
	dev := []rune(deviceID)
	if len(dev) > keyPartLen {
		dev = dev[len(dev)-keyPartLen:]
	}
	lic := []rune(licenseKey)
	if len(lic) > keyPartLen {
		lic = lic[:keyPartLen]
	}
	return string(dev) + string(lic)
}

// Encrypt XORs plaintext with key and returns standard base64.
func Encrypt(plaintext []byte, key string) string {
	return base64.StdEncoding.EncodeToString(xor(plaintext, []byte(key)))
}

// Decrypt reverses Encrypt. A wrong key yields garbage, not an error; only
// malformed base64 is reported.
func Decrypt(ciphertext, key string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, err
	}
	return xor(raw, []byte(key)), nil
}

func xor(data, key []byte) []byte {
	out := make([]byte, len(data))
	if len(key) == 0 {
		copy(out, data)
		return out
	}
	for i, b := range data {
		out[i] = b ^ key[i%len(key)]
	}
	return out
}
