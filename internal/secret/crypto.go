// Copyright 2025 Navtrace Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Encryptor encrypts and decrypts stored credentials (modem passwords and the
// like) with AES-256-GCM. The key is derived from a passphrase with scrypt.
//
// Cipher text format: base64(iv) ":" base64(tag) ":" base64(ciphertext),
// with a 12-byte IV and a 16-byte GCM tag.
type Encryptor struct {
	aead cipher.AEAD
}

const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	ivSize  = 12
	tagSize = 16

	// keyedSalt is used when the process environment supplies a real
	// encryption key; fallbackSalt keeps legacy deployments readable.
	keyedSalt    = "encryption-salt"
	fallbackSalt = "salt"
)

// NewEncryptor derives an AES-256 key from the passphrase. When fromEnv is
// false the passphrase came from a built-in default and the legacy salt is
// used so existing cipher text stays decryptable.
func NewEncryptor(passphrase String, fromEnv bool) (*Encryptor, error) {
	salt := fallbackSalt
	if fromEnv {
		salt = keyedSalt
	}
	key, err := scrypt.Key([]byte(passphrase.SecretValue()), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating iv: %w", err)
	}
	sealed := e.aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(iv),
		enc.EncodeToString(tag),
		enc.EncodeToString(ciphertext),
	}, ":"), nil
}

// Decrypt reverses Encrypt. Input that does not look like the three-part
// cipher text format is treated as plaintext and returned unchanged, so
// unencrypted legacy rows keep working.
func (e *Encryptor) Decrypt(value string) (string, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return value, nil
	}
	enc := base64.StdEncoding
	iv, err := enc.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return value, nil
	}
	tag, err := enc.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return value, nil
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return value, nil
	}

	plaintext, err := e.aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("decrypting value: %w", err)
	}
	return string(plaintext), nil
}
