// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

var memguardInitOnce sync.Once

// APIKey holds a Weaviate API key encrypted in memory.
//
// The plaintext only exists in a guarded buffer for the duration of a
// reveal; the key never lands in config structs or logs.
type APIKey struct {
	enclave *memguard.Enclave
}

// NewAPIKey seals key into an enclave and wipes the input slice.
// Returns nil for an empty key.
func NewAPIKey(key []byte) *APIKey {
	if len(key) == 0 {
		return nil
	}
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
	})
	return &APIKey{enclave: memguard.NewEnclave(key)}
}

// reveal decrypts the key into a plain string for the client library.
func (k *APIKey) reveal() (string, error) {
	if k == nil || k.enclave == nil {
		return "", errors.New("api key not set")
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return "", err
	}
	defer buf.Destroy()
	return string(buf.Bytes()), nil
}

// String never prints the key.
func (k *APIKey) String() string {
	return "[REDACTED]"
}
