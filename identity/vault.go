/*
File Name:  vault.go

Identity vault contract (§6): the narrow interface an external key store
implements so the core can load/save/delete the local identity without
embedding any storage or OS keychain logic itself. Grounded in the same
narrow-adapter pattern as persistence.Adapter; there is no concrete
implementation here by design (key vaults are an out-of-scope external
collaborator, per the Non-goals).
*/

package identity

import "github.com/sovereign-comms/mesh-core/crypto"

// Record is the persisted form of a local identity.
type Record struct {
	PublicKey   []byte
	PrivateKey  []byte
	Fingerprint string
	DisplayName string
}

// Vault is implemented by an external key store. Private key material must
// never leave the process image through any other path, and implementations
// must never log key bytes.
type Vault interface {
	LoadIdentity() (record Record, found bool, err error)
	SaveIdentity(record Record) error
	DeleteIdentity() error
}

// RecordFromIdentity builds a vault Record from a live crypto.Identity for saving.
func RecordFromIdentity(id *crypto.Identity, displayName string) Record {
	return Record{
		PublicKey:   append([]byte{}, id.PublicKey...),
		PrivateKey:  append([]byte{}, id.PrivateKey...),
		Fingerprint: crypto.GenerateFingerprint(id.PublicKey),
		DisplayName: displayName,
	}
}
