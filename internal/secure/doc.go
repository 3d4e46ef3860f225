// Package secure keeps backend key material out of plain Go memory.
//
// Credentials that a backend needs for the whole run (the local backend's
// age identity, a Vault or Akeyless token) are sealed in a memguard enclave
// as soon as they are read from configuration. They are opened only for the
// duration of a single call:
//
//	key, err := secure.Seal([]byte(identity))
//	if err != nil {
//	    return err
//	}
//	defer key.Destroy()
//
//	err = key.Use(func(plaintext []byte) error {
//	    id, err := age.ParseX25519Identity(string(plaintext))
//	    ...
//	})
//
// The enclave is encrypted at rest (XSalsa20Poly1305) and the opened buffer
// is mlocked and wiped when Use returns. Processes should call
// memguard.Purge on exit; cmd/rekey does this in main.
package secure
