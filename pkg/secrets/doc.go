// Package secrets defines how rekey protects the secret fields embedded in
// metadata records.
//
// # Codecs and Backends
//
// A Codec decrypts and encrypts the secret-bearing payload of each record
// category (service connections, bot authentication mechanisms, ingestion
// pipelines and workflows). The rotation pass holds two codecs: one for the
// backend that was active before the change and one for the backend that is
// active after it.
//
// Manager is the Codec used in production. It walks a payload and hands every
// secret field to a Backend, the component that actually protects a single
// value:
//
//	backend, _ := backends.NewRegistry().Create("new", cfg)
//	codec := secrets.NewManager(backend, "cluster-a")
//	cfg, err := codec.EncryptServiceConnection(ctx, svc.Connection.Config,
//	    svc.ServiceType, svc.Name, "DatabaseConnection")
//
// # Value Markers
//
// Protected values carry a marker so that a backend can tell its own output
// apart from plaintext:
//
//   - "secret:/<cluster>/<category>/..." for values stored in an external
//     secret store (AWS, GCP, Azure, Vault, Akeyless, OS keyring)
//   - "age:<base64>" for values encrypted in place by the local backend
//
// Unmarked values are plaintext. The passthrough backend has no marker and is
// the identity transform in both directions.
//
// # Concurrency
//
// Managers hold no mutable state and are safe for concurrent use as long as
// their Backend is. All backends shipped with rekey are.
package secrets
