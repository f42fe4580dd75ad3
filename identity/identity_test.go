package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func testKey(fill byte) string {
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	return base64.RawURLEncoding.EncodeToString(key)
}

func testProfiles() map[string]Profile {
	return map[string]Profile{
		"Alice": {DID: "did:peer:2.alice", Keys: Keys{
			X25519Secret: testKey(1), Ed25519Seed: testKey(2),
		}},
		"Bob": {DID: "did:peer:2.bob", Keys: Keys{
			X25519Secret: testKey(3), Ed25519Seed: testKey(4),
		}},
	}
}

func testMediator() Mediator {
	return Mediator{
		DID:   "did:peer:2.mediator",
		URL:   "https://mediator.local",
		WSURL: "wss://mediator.local/ws",
	}
}

func TestNewRegistry_ResolvesAliases(t *testing.T) {
	reg, err := NewRegistry(testMediator(), testProfiles())
	if err != nil {
		t.Fatal(err)
	}

	for _, alias := range []string{"Alice", "alice", "ALICE"} {
		id, err := reg.Resolve(alias)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", alias, err)
		}
		if id.DID != "did:peer:2.alice" {
			t.Errorf("Resolve(%q).DID = %q", alias, id.DID)
		}
	}

	if _, err := reg.Resolve("carol"); err == nil {
		t.Error("unknown alias resolved")
	}
}

func TestNewRegistry_DerivesKeys(t *testing.T) {
	reg, err := NewRegistry(testMediator(), testProfiles())
	if err != nil {
		t.Fatal(err)
	}
	alice, err := reg.Resolve("alice")
	if err != nil {
		t.Fatal(err)
	}

	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = 1
	}
	wantPub, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	if string(alice.EncryptionPublic) != string(wantPub) {
		t.Error("x25519 public key not derived from secret")
	}

	msg := []byte("probe")
	sig := ed25519.Sign(alice.SigningKey, msg)
	if !ed25519.Verify(alice.VerifyKey, msg, sig) {
		t.Error("ed25519 key pair does not verify its own signature")
	}

	if alice.MediatorDID != "did:peer:2.mediator" {
		t.Errorf("mediator DID not inherited: %q", alice.MediatorDID)
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	profiles := testProfiles()
	delete(profiles, "Bob")
	if _, err := NewRegistry(testMediator(), profiles); err == nil {
		t.Error("accepted a single profile")
	}

	if _, err := NewRegistry(Mediator{}, testProfiles()); err == nil {
		t.Error("accepted a mediator without a DID")
	}

	bad := testProfiles()
	p := bad["Alice"]
	p.Keys.X25519Secret = "not-base64!"
	bad["Alice"] = p
	if _, err := NewRegistry(testMediator(), bad); err == nil {
		t.Error("accepted an invalid x25519 secret")
	}
}

func TestNewRegistry_MediatorKey(t *testing.T) {
	med := testMediator()
	med.X25519Public = testKey(9)
	reg, err := NewRegistry(med, testProfiles())
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.MediatorEncryptionKey()) != 32 {
		t.Error("mediator key not decoded")
	}

	med.X25519Public = "short"
	if _, err := NewRegistry(med, testProfiles()); err == nil {
		t.Error("accepted a truncated mediator key")
	}
}

func TestLoad(t *testing.T) {
	file := environmentsFile{
		"local": {Mediator: testMediator(), Profiles: testProfiles()},
	}
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "environments.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	reg, err := Load(path, "local")
	if err != nil {
		t.Fatal(err)
	}
	all := reg.All()
	if len(all) != 2 || all[0].Alias != "Alice" || all[1].Alias != "Bob" {
		t.Errorf("All() order: %v, %v", all[0].Alias, all[1].Alias)
	}

	if _, err := Load(path, "missing"); err == nil {
		t.Error("unknown environment name accepted")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json"), "local"); err == nil {
		t.Error("missing file accepted")
	}
}

func TestInfo_FixedKeyTypes(t *testing.T) {
	reg, err := NewRegistry(testMediator(), testProfiles())
	if err != nil {
		t.Fatal(err)
	}
	alice, _ := reg.Resolve("alice")
	info := alice.Info()
	want := []string{"P-256", "Ed25519", "X25519", "secp256k1"}
	if len(info.KeyTypes) != len(want) {
		t.Fatalf("key types = %v", info.KeyTypes)
	}
	for i, kt := range want {
		if info.KeyTypes[i] != kt {
			t.Errorf("key type[%d] = %q, want %q", i, info.KeyTypes[i], kt)
		}
	}
	if info.Alias != "Alice" || info.DID != "did:peer:2.alice" {
		t.Errorf("info = %+v", info)
	}
}
