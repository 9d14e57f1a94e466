// Package keys manages Ed25519 signing keys and their JWKS representation.
//
// The keystore is a file-backed JSON document holding one or more keypairs
// plus the active kid. New keys can be added at runtime; existing keys are
// never mutated.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Keypair is one Ed25519 signing identity.
type Keypair struct {
	KID  string
	Priv ed25519.PrivateKey // nil for verify-only keys
	Pub  ed25519.PublicKey
}

// storeFile is the on-disk JSON format.
type storeFile struct {
	ActiveKID string                  `json:"active_kid"`
	Keys      map[string]storedKeypair `json:"keys"`
}

type storedKeypair struct {
	Priv string `json:"priv,omitempty"` // base64url seed, no padding
	Pub  string `json:"pub"`            // base64url 32 bytes, no padding
}

// Options selects the key source. The load order is: inline JWKS, JWKS file,
// raw public key, persistent keystore file, ephemeral pair.
type Options struct {
	InlineJWKS   []byte
	JWKSPath     string
	RawPublicKey string // hex, base64 or base64url encoded 32 bytes
	RawKID       string
	KeystorePath string
}

// Keystore holds the process signing keys.
type Keystore struct {
	mu        sync.RWMutex
	pairs     map[string]*Keypair
	activeKID string
	path      string
	ephemeral bool
}

// Load resolves keys according to the option precedence. The first source
// that yields keys wins.
func Load(opts Options) (*Keystore, error) {
	if len(opts.InlineJWKS) > 0 {
		set, err := ParseJWKS(opts.InlineJWKS)
		if err != nil {
			return nil, fmt.Errorf("keys: inline jwks: %w", err)
		}
		return fromJWKS(set), nil
	}
	if opts.JWKSPath != "" {
		data, err := os.ReadFile(opts.JWKSPath)
		if err != nil {
			return nil, fmt.Errorf("keys: read jwks file: %w", err)
		}
		set, err := ParseJWKS(data)
		if err != nil {
			return nil, fmt.Errorf("keys: jwks file %s: %w", opts.JWKSPath, err)
		}
		return fromJWKS(set), nil
	}
	if opts.RawPublicKey != "" {
		pub, err := decodeRawKey(opts.RawPublicKey)
		if err != nil {
			return nil, fmt.Errorf("keys: raw public key: %w", err)
		}
		kid := opts.RawKID
		if kid == "" {
			kid = "env"
		}
		ks := newKeystore("")
		ks.pairs[kid] = &Keypair{KID: kid, Pub: pub}
		ks.activeKID = kid
		return ks, nil
	}
	if opts.KeystorePath != "" {
		return loadOrCreateFile(opts.KeystorePath)
	}

	// Last resort: an ephemeral in-memory pair. Signatures made with it do
	// not survive a restart.
	ks := newKeystore("")
	ks.ephemeral = true
	kp, err := generate("ephemeral")
	if err != nil {
		return nil, err
	}
	ks.pairs[kp.KID] = kp
	ks.activeKID = kp.KID
	return ks, nil
}

func newKeystore(path string) *Keystore {
	return &Keystore{pairs: make(map[string]*Keypair), path: path}
}

func fromJWKS(set *JWKS) *Keystore {
	ks := newKeystore("")
	for _, k := range set.Keys {
		pub, _ := base64.RawURLEncoding.DecodeString(k.X)
		ks.pairs[k.KID] = &Keypair{KID: k.KID, Pub: ed25519.PublicKey(pub)}
	}
	return ks
}

func loadOrCreateFile(path string) (*Keystore, error) {
	ks := newKeystore(path)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		kp, genErr := generate("k1")
		if genErr != nil {
			return nil, genErr
		}
		ks.pairs[kp.KID] = kp
		ks.activeKID = kp.KID
		if saveErr := ks.save(); saveErr != nil {
			return nil, saveErr
		}
		return ks, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read keystore: %w", err)
	}

	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("keys: parse keystore %s: %w", path, err)
	}
	for kid, sk := range f.Keys {
		pub, err := base64.RawURLEncoding.DecodeString(sk.Pub)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("keys: keystore entry %q: invalid public key", kid)
		}
		kp := &Keypair{KID: kid, Pub: ed25519.PublicKey(pub)}
		if sk.Priv != "" {
			seed, err := base64.RawURLEncoding.DecodeString(sk.Priv)
			if err != nil || len(seed) != ed25519.SeedSize {
				return nil, fmt.Errorf("keys: keystore entry %q: invalid private seed", kid)
			}
			kp.Priv = ed25519.NewKeyFromSeed(seed)
		}
		ks.pairs[kid] = kp
	}
	ks.activeKID = f.ActiveKID
	return ks, nil
}

func generate(kid string) (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate: %w", err)
	}
	return &Keypair{KID: kid, Priv: priv, Pub: pub}, nil
}

func decodeRawKey(s string) (ed25519.PublicKey, error) {
	if b, err := hex.DecodeString(s); err == nil && len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil && len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == ed25519.PublicKeySize {
		return ed25519.PublicKey(b), nil
	}
	return nil, errors.New("not a 32-byte key in hex/base64/base64url")
}

// save persists the keystore file with owner-only permissions.
func (ks *Keystore) save() error {
	if ks.path == "" {
		return nil
	}
	f := storeFile{ActiveKID: ks.activeKID, Keys: make(map[string]storedKeypair)}
	for kid, kp := range ks.pairs {
		sk := storedKeypair{Pub: base64.RawURLEncoding.EncodeToString(kp.Pub)}
		if kp.Priv != nil {
			sk.Priv = base64.RawURLEncoding.EncodeToString(kp.Priv.Seed())
		}
		f.Keys[kid] = sk
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ks.path), 0700); err != nil {
		return fmt.Errorf("keys: keystore dir: %w", err)
	}
	tmp := ks.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keys: write keystore: %w", err)
	}
	if err := os.Rename(tmp, ks.path); err != nil {
		return fmt.Errorf("keys: commit keystore: %w", err)
	}
	return nil
}

// Add registers a new keypair. Existing kids are never replaced.
func (ks *Keystore) Add(kp *Keypair) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if _, exists := ks.pairs[kp.KID]; exists {
		return fmt.Errorf("keys: kid %q already present", kp.KID)
	}
	ks.pairs[kp.KID] = kp
	if ks.activeKID == "" {
		ks.activeKID = kp.KID
	}
	return ks.save()
}

// Resolve returns the public key for kid.
func (ks *Keystore) Resolve(kid string) (ed25519.PublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	kp, ok := ks.pairs[kid]
	if !ok {
		return nil, false
	}
	return kp.Pub, true
}

// Signer returns the keypair used for signing: the active kid if set and
// able to sign, otherwise the lexicographically smallest kid that can.
func (ks *Keystore) Signer() (*Keypair, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if kp, ok := ks.pairs[ks.activeKID]; ok && kp.Priv != nil {
		return kp, nil
	}
	kids := make([]string, 0, len(ks.pairs))
	for kid, kp := range ks.pairs {
		if kp.Priv != nil {
			kids = append(kids, kid)
		}
	}
	if len(kids) == 0 {
		return nil, errors.New("keys: no signing key available")
	}
	sort.Strings(kids)
	return ks.pairs[kids[0]], nil
}

// Ephemeral reports whether the keys only live in memory.
func (ks *Keystore) Ephemeral() bool {
	return ks.ephemeral
}

// ToJWKS exports all public keys, sorted deterministically by (kid, x).
func (ks *Keystore) ToJWKS() *JWKS {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	set := &JWKS{}
	for _, kp := range ks.pairs {
		set.Keys = append(set.Keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(kp.Pub),
			KID: kp.KID,
			Alg: "EdDSA",
			Use: "sig",
		})
	}
	sort.Slice(set.Keys, func(i, j int) bool {
		if set.Keys[i].KID != set.Keys[j].KID {
			return set.Keys[i].KID < set.Keys[j].KID
		}
		return set.Keys[i].X < set.Keys[j].X
	})
	return set
}
