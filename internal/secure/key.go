package secure

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
)

// ErrDestroyed is returned by Use after Destroy.
var ErrDestroyed = errors.New("sealed key has been destroyed")

// ErrEmpty is returned when sealing zero bytes.
var ErrEmpty = errors.New("cannot seal empty key material")

// Key is key material sealed in a memguard enclave.
type Key struct {
	mu        sync.RWMutex
	enclave   *memguard.Enclave
	destroyed bool
}

// Seal copies data into a new enclave. memguard wipes data once copied.
func Seal(data []byte) (*Key, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	return &Key{enclave: memguard.NewEnclave(data)}, nil
}

// SealString seals a copy of s.
func SealString(s string) (*Key, error) {
	return Seal([]byte(s))
}

// Use opens the enclave, passes the plaintext to fn and wipes it when fn
// returns. fn must not retain the slice.
func (k *Key) Use(fn func(plaintext []byte) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if k.destroyed {
		return ErrDestroyed
	}

	locked, err := k.enclave.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// String opens the key and returns a copy of it as a string. The copy lives
// in ordinary memory; prefer Use where the consumer accepts bytes.
func (k *Key) String() (string, error) {
	var out string
	err := k.Use(func(plaintext []byte) error {
		out = string(plaintext)
		return nil
	})
	return out, err
}

// Destroy releases the enclave. It is safe to call more than once.
func (k *Key) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.enclave = nil
	k.destroyed = true
}
