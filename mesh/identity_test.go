package mesh

import (
	"testing"

	"github.com/sovereign-comms/mesh-core/identity"
)

type memoryVault struct {
	record identity.Record
	found  bool
}

func (v *memoryVault) LoadIdentity() (identity.Record, bool, error) {
	return v.record, v.found, nil
}

func (v *memoryVault) SaveIdentity(record identity.Record) error {
	v.record = record
	v.found = true
	return nil
}

func (v *memoryVault) DeleteIdentity() error {
	v.found = false
	v.record = identity.Record{}
	return nil
}

func TestLoadOrCreateIdentityGeneratesAndPersistsOnFirstRun(t *testing.T) {
	v := &memoryVault{}
	id, err := LoadOrCreateIdentity(v, "test-node")
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %s", err.Error())
	}
	if !v.found {
		t.Fatal("expected a freshly generated identity to be saved to the vault")
	}
	if string(v.record.PublicKey) != string(id.PublicKey) {
		t.Fatal("persisted record's public key does not match the generated identity")
	}
}

func TestLoadOrCreateIdentityReloadsExisting(t *testing.T) {
	v := &memoryVault{}
	first, err := LoadOrCreateIdentity(v, "test-node")
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (first run): %s", err.Error())
	}

	second, err := LoadOrCreateIdentity(v, "test-node")
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity (second run): %s", err.Error())
	}
	if string(first.PublicKey) != string(second.PublicKey) {
		t.Fatal("expected the second run to reload the same identity")
	}
}

func TestLoadOrCreateIdentityWithNilVaultGeneratesEphemeral(t *testing.T) {
	id, err := LoadOrCreateIdentity(nil, "")
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity: %s", err.Error())
	}
	if len(id.PublicKey) == 0 {
		t.Fatal("expected a generated identity")
	}
}
