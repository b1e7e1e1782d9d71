/*
File Name:  identity.go

LoadOrCreateIdentity bridges an identity.Vault (an external key store) to
a crypto.Identity at startup, mirroring persistence.Adapter's "the core
only calls a narrow interface" pattern: a caller with no vault can pass
nil and always gets a fresh identity.
*/

package mesh

import (
	"crypto/ed25519"

	"github.com/sovereign-comms/mesh-core/crypto"
	"github.com/sovereign-comms/mesh-core/identity"
)

// LoadOrCreateIdentity loads the local identity from v, generating and
// saving a fresh one on first run. v may be nil, in which case a fresh
// identity is generated and not persisted anywhere.
func LoadOrCreateIdentity(v identity.Vault, displayName string) (*crypto.Identity, error) {
	if v == nil {
		return crypto.GenerateIdentity()
	}

	record, found, err := v.LoadIdentity()
	if err != nil {
		return nil, wrapError(KindConfigInvalid, "loading identity from vault", err)
	}
	if found {
		priv := make(ed25519.PrivateKey, len(record.PrivateKey))
		copy(priv, record.PrivateKey)
		return crypto.IdentityFromPrivateKey(priv)
	}

	id, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := v.SaveIdentity(identity.RecordFromIdentity(id, displayName)); err != nil {
		return nil, wrapError(KindConfigInvalid, "saving new identity to vault", err)
	}
	return id, nil
}
