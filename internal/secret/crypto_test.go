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

package secret_test

import (
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/navtrace/navtrace/internal/secret"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e, err := secret.NewEncryptor("test-passphrase", true)
	assert.NilError(t, err)

	cipherText, err := e.Encrypt("modem-password-123")
	assert.NilError(t, err)
	assert.Equal(t, 3, len(strings.Split(cipherText, ":")))

	got, err := e.Decrypt(cipherText)
	assert.NilError(t, err)
	assert.Equal(t, "modem-password-123", got)
}

func TestDecryptPassesThroughPlaintext(t *testing.T) {
	e, err := secret.NewEncryptor("test-passphrase", true)
	assert.NilError(t, err)

	for _, value := range []string{
		"plain-password",
		"has:two:parts:extra",
		"not:base64:!!!",
	} {
		got, err := e.Decrypt(value)
		assert.NilError(t, err)
		assert.Equal(t, value, got)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	e1, err := secret.NewEncryptor("key-one", true)
	assert.NilError(t, err)
	e2, err := secret.NewEncryptor("key-two", true)
	assert.NilError(t, err)

	cipherText, err := e1.Encrypt("value")
	assert.NilError(t, err)

	_, err = e2.Decrypt(cipherText)
	assert.ErrorContains(t, err, "decrypting")
}

func TestSecretStringRedacts(t *testing.T) {
	s := secret.String("hunter2")
	assert.Equal(t, "xxxxx", s.String())
	assert.Equal(t, "hunter2", s.SecretValue())
}
