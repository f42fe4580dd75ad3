// Package identity loads the demo participants from an environments
// file and resolves their aliases to DIDs and key material. The demo
// has exactly two named parties plus their mediator.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// Info is the public identity descriptor exposed to the frontend.
type Info struct {
	Alias       string   `json:"alias"`
	DID         string   `json:"did"`
	MediatorDID string   `json:"mediator_did,omitempty"`
	KeyTypes    []string `json:"key_types"`
}

// Mediator describes the relay endpoint shared by the demo parties.
type Mediator struct {
	DID   string `json:"did"`
	URL   string `json:"url"`
	WSURL string `json:"ws_url"`

	// X25519Public is the mediator's base64url-encoded encryption key,
	// used to seal forward envelopes addressed to it.
	X25519Public string `json:"x25519_public,omitempty"`
}

// Identity is one resolved demo participant with its key material.
type Identity struct {
	Alias       string
	DID         string
	MediatorDID string

	// EncryptionSecret is the X25519 scalar used for envelope
	// encryption; EncryptionPublic is its derived public key.
	EncryptionSecret []byte
	EncryptionPublic []byte

	// SigningKey is the Ed25519 private key; VerifyKey its public half.
	SigningKey ed25519.PrivateKey
	VerifyKey  ed25519.PublicKey
}

// Info returns the public descriptor for this identity.
func (id *Identity) Info() Info {
	return Info{
		Alias:       id.Alias,
		DID:         id.DID,
		MediatorDID: id.MediatorDID,
		// Each demo profile carries the same fixed key suite.
		KeyTypes: []string{"P-256", "Ed25519", "X25519", "secp256k1"},
	}
}

// environmentsFile is the on-disk shape: environment name -> environment.
type environmentsFile map[string]environment

type environment struct {
	Mediator Mediator           `json:"mediator"`
	Profiles map[string]Profile `json:"profiles"`
}

// Profile is one participant entry in the environments file.
type Profile struct {
	DID         string      `json:"did"`
	MediatorDID string      `json:"mediator_did,omitempty"`
	Keys        Keys `json:"keys"`
}

// Keys holds the base64url-encoded secret key material for a profile.
type Keys struct {
	X25519Secret string `json:"x25519_secret"`
	Ed25519Seed  string `json:"ed25519_seed"`
}

// Registry resolves participant aliases and DIDs. It is read-only
// after Load and safe for concurrent use.
type Registry struct {
	mediator    Mediator
	mediatorKey []byte
	byAlias     map[string]*Identity
	byDID       map[string]*Identity
}

// Load reads an environments file and resolves the named environment
// into a Registry.
func Load(path, environmentName string) (*Registry, error) {
	// #nosec G304 -- path comes from explicit local configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading environments file %q: %w", path, err)
	}

	var file environmentsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing environments file %q: %w", path, err)
	}

	env, ok := file[environmentName]
	if !ok {
		return nil, fmt.Errorf("environment %q not found in %s", environmentName, path)
	}
	return NewRegistry(env.Mediator, env.Profiles)
}

// NewRegistry builds a Registry from a mediator descriptor and the
// participant profiles. Exactly two participants are required.
func NewRegistry(mediator Mediator, profiles map[string]Profile) (*Registry, error) {
	if len(profiles) != 2 {
		return nil, fmt.Errorf("expected exactly 2 participant profiles, got %d", len(profiles))
	}
	if mediator.DID == "" {
		return nil, fmt.Errorf("mediator DID is required")
	}

	reg := &Registry{
		mediator: mediator,
		byAlias:  make(map[string]*Identity, len(profiles)),
		byDID:    make(map[string]*Identity, len(profiles)),
	}
	if mediator.X25519Public != "" {
		key, err := base64.RawURLEncoding.DecodeString(mediator.X25519Public)
		if err != nil || len(key) != curve25519.PointSize {
			return nil, fmt.Errorf("mediator: invalid x25519 public key")
		}
		reg.mediatorKey = key
	}

	for alias, p := range profiles {
		id, err := resolveProfile(alias, p, mediator.DID)
		if err != nil {
			return nil, err
		}
		reg.byAlias[strings.ToLower(alias)] = id
		reg.byDID[id.DID] = id
	}
	return reg, nil
}

func resolveProfile(alias string, p Profile, defaultMediatorDID string) (*Identity, error) {
	if p.DID == "" {
		return nil, fmt.Errorf("profile %q: missing did", alias)
	}

	encSecret, err := base64.RawURLEncoding.DecodeString(p.Keys.X25519Secret)
	if err != nil || len(encSecret) != curve25519.ScalarSize {
		return nil, fmt.Errorf("profile %q: invalid x25519 secret", alias)
	}
	encPublic, err := curve25519.X25519(encSecret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("profile %q: deriving x25519 public key: %w", alias, err)
	}

	seed, err := base64.RawURLEncoding.DecodeString(p.Keys.Ed25519Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("profile %q: invalid ed25519 seed", alias)
	}
	signing := ed25519.NewKeyFromSeed(seed)

	mediatorDID := p.MediatorDID
	if mediatorDID == "" {
		mediatorDID = defaultMediatorDID
	}

	return &Identity{
		Alias:            alias,
		DID:              p.DID,
		MediatorDID:      mediatorDID,
		EncryptionSecret: encSecret,
		EncryptionPublic: encPublic,
		SigningKey:       signing,
		VerifyKey:        signing.Public().(ed25519.PublicKey),
	}, nil
}

// Mediator returns the relay endpoint descriptor.
func (r *Registry) Mediator() Mediator {
	return r.mediator
}

// MediatorEncryptionKey returns the mediator's X25519 public key, or
// nil when the environments file does not carry one.
func (r *Registry) MediatorEncryptionKey() []byte {
	return r.mediatorKey
}

// Resolve returns the identity for a participant alias. Lookup is
// case-insensitive. Unknown aliases are a local validation error.
func (r *Registry) Resolve(alias string) (*Identity, error) {
	id, ok := r.byAlias[strings.ToLower(alias)]
	if !ok {
		return nil, fmt.Errorf("unknown participant %q", alias)
	}
	return id, nil
}

// ResolveDID returns the identity owning the given DID, or nil when
// the DID does not belong to a demo participant.
func (r *Registry) ResolveDID(did string) *Identity {
	return r.byDID[did]
}

// All returns the participants sorted by alias.
func (r *Registry) All() []*Identity {
	out := make([]*Identity, 0, len(r.byAlias))
	for _, id := range r.byAlias {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}
