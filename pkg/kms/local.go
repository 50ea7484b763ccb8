package kms

import (
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const localProviderName = "local"

// localKeyVersion holds one version of a key's material. Private material is
// wrapped with AES-256-GCM under the keystore wrapping key before it touches
// disk; Public is the PKIX DER encoding (empty for AES keys).
type localKeyVersion struct {
	Version   int       `json:"version"`
	Public    string    `json:"public,omitempty"`
	Private   string    `json:"private"`
	CreatedAt time.Time `json:"created_at"`
}

type localKey struct {
	Meta          KeyMetadata       `json:"meta"`
	ActiveVersion int               `json:"active_version"`
	Versions      []localKeyVersion `json:"versions"`
}

// localStore is the on-disk JSON format for the keystore.
type localStore struct {
	Keys    map[string]*localKey `json:"keys"`
	Aliases map[string]string    `json:"aliases"` // alias -> keyID
}

// LocalProvider is a file-backed Provider. It supports versioned keys so that
// rotation keeps old versions available for Verify and Decrypt while Sign and
// Encrypt always use the newest version.
type LocalProvider struct {
	mu    sync.RWMutex
	path  string
	wrap  []byte // 32-byte wrapping key derived from the master secret
	store localStore

	// unwrapped private material cache: keyID -> version -> raw private bytes
	cache map[string]map[int][]byte
}

// NewLocalProvider loads or creates a keystore at the given path. The master
// secret protects private key material at rest; if nil, a secret is generated
// and stored next to the keystore with 0600 permissions.
func NewLocalProvider(keystorePath string, masterSecret []byte) (*LocalProvider, error) {
	if err := os.MkdirAll(filepath.Dir(keystorePath), 0700); err != nil {
		return nil, fmt.Errorf("kms: create dir: %w", err)
	}

	if masterSecret == nil {
		secretPath := keystorePath + ".secret"
		data, err := os.ReadFile(secretPath)
		switch {
		case err == nil:
			masterSecret = data
		case errors.Is(err, os.ErrNotExist):
			masterSecret = make([]byte, 32)
			if _, err := io.ReadFull(rand.Reader, masterSecret); err != nil {
				return nil, fmt.Errorf("kms: generate master secret: %w", err)
			}
			if err := os.WriteFile(secretPath, masterSecret, 0600); err != nil {
				return nil, fmt.Errorf("kms: write master secret: %w", err)
			}
		default:
			return nil, fmt.Errorf("kms: read master secret: %w", err)
		}
	}

	wrap := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterSecret, []byte("symbi-kms-keystore"), []byte("wrap-v1"))
	if _, err := io.ReadFull(kdf, wrap); err != nil {
		return nil, fmt.Errorf("kms: derive wrapping key: %w", err)
	}

	p := &LocalProvider{
		path:  keystorePath,
		wrap:  wrap,
		store: localStore{Keys: map[string]*localKey{}, Aliases: map[string]string{}},
		cache: map[string]map[int][]byte{},
	}

	data, err := os.ReadFile(keystorePath)
	if errors.Is(err, os.ErrNotExist) {
		if err := p.persist(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}
	if err := json.Unmarshal(data, &p.store); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	if p.store.Keys == nil {
		p.store.Keys = map[string]*localKey{}
	}
	if p.store.Aliases == nil {
		p.store.Aliases = map[string]string{}
	}
	return p, nil
}

// CreateKey generates a new key in state enabled.
func (p *LocalProvider) CreateKey(ctx context.Context, in CreateKeyInput) (*KeyMetadata, error) {
	if err := ValidateCreateInput(in); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if in.Alias != "" {
		if _, exists := p.store.Aliases[in.Alias]; exists {
			return nil, ErrAliasExists
		}
	}

	private, public, err := generateMaterial(in.Algorithm)
	if err != nil {
		return nil, err
	}

	keyID := uuid.New().String()
	wrapped, err := aesGCMEncrypt(p.wrap, private)
	if err != nil {
		return nil, err
	}

	k := &localKey{
		Meta: KeyMetadata{
			KeyID:       keyID,
			Alias:       in.Alias,
			Algorithm:   in.Algorithm,
			Usage:       in.Usage,
			State:       StateEnabled,
			CreatedAt:   time.Now().UTC(),
			Provider:    localProviderName,
			ResourceRef: keyID,
		},
		ActiveVersion: 1,
		Versions: []localKeyVersion{{
			Version:   1,
			Public:    base64.StdEncoding.EncodeToString(public),
			Private:   base64.StdEncoding.EncodeToString(wrapped),
			CreatedAt: time.Now().UTC(),
		}},
	}

	p.store.Keys[keyID] = k
	if in.Alias != "" {
		p.store.Aliases[in.Alias] = keyID
	}
	if err := p.persist(); err != nil {
		delete(p.store.Keys, keyID)
		delete(p.store.Aliases, in.Alias)
		return nil, err
	}

	meta := k.Meta
	return &meta, nil
}

// GetKey returns metadata for a key ID or alias.
func (p *LocalProvider) GetKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := p.resolve(keyID)
	if err != nil {
		return nil, err
	}
	meta := k.Meta
	return &meta, nil
}

// ListKeys returns metadata for every key in the store.
func (p *LocalProvider) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]KeyMetadata, 0, len(p.store.Keys))
	for id := range p.store.Keys {
		k, err := p.resolve(id)
		if err != nil {
			continue
		}
		out = append(out, k.Meta)
	}
	return out, nil
}

// EnableKey re-enables a disabled key. A key pending deletion reverts to
// enabled and its deletion date is cleared.
func (p *LocalProvider) EnableKey(ctx context.Context, keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := p.resolve(keyID)
	if err != nil {
		return err
	}
	if k.Meta.State == StateDestroyed {
		return ErrKeyDestroyed
	}
	k.Meta.State = StateEnabled
	k.Meta.DeletionDate = nil
	return p.persist()
}

// DisableKey disables a key; Sign/Encrypt fail until re-enabled.
func (p *LocalProvider) DisableKey(ctx context.Context, keyID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := p.resolve(keyID)
	if err != nil {
		return err
	}
	if k.Meta.State == StateDestroyed {
		return ErrKeyDestroyed
	}
	k.Meta.State = StateDisabled
	return p.persist()
}

// ScheduleKeyDeletion transitions the key to pending_deletion. The key is
// destroyed lazily once the window elapses.
func (p *LocalProvider) ScheduleKeyDeletion(ctx context.Context, keyID string, pendingWindowDays int) (*KeyMetadata, error) {
	if pendingWindowDays == 0 {
		pendingWindowDays = DefaultDeletionWindowDays
	}
	if pendingWindowDays < MinDeletionWindowDays {
		return nil, ErrInvalidWindow
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := p.resolve(keyID)
	if err != nil {
		return nil, err
	}
	if k.Meta.State == StateDestroyed {
		return nil, ErrKeyDestroyed
	}

	when := time.Now().UTC().Add(time.Duration(pendingWindowDays) * 24 * time.Hour)
	k.Meta.State = StatePendingDeletion
	k.Meta.DeletionDate = &when
	if err := p.persist(); err != nil {
		return nil, err
	}
	meta := k.Meta
	return &meta, nil
}

// Sign signs data with the key's active version. messageType digest means data
// is a precomputed hash; Ed25519 accepts raw messages only.
func (p *LocalProvider) Sign(ctx context.Context, keyID string, data []byte, messageType MessageType) ([]byte, error) {
	p.mu.Lock()
	k, err := p.resolve(keyID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if k.Meta.Usage != UsageSignVerify {
		p.mu.Unlock()
		return nil, ErrAlgorithmMismatch
	}
	if k.Meta.State != StateEnabled {
		p.mu.Unlock()
		return nil, ErrKeyDisabled
	}
	private, err := p.unwrap(k, k.ActiveVersion)
	algo := k.Meta.Algorithm
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return signWith(algo, private, data, messageType)
}

// Verify checks a signature against the key's versions, newest first, so that
// rotated keys keep verifying old signatures.
func (p *LocalProvider) Verify(ctx context.Context, keyID string, data, signature []byte, messageType MessageType) (bool, error) {
	p.mu.Lock()
	k, err := p.resolve(keyID)
	if err != nil {
		p.mu.Unlock()
		return false, err
	}
	if k.Meta.Usage != UsageSignVerify {
		p.mu.Unlock()
		return false, ErrAlgorithmMismatch
	}
	algo := k.Meta.Algorithm
	publics := make([][]byte, 0, len(k.Versions))
	for i := len(k.Versions) - 1; i >= 0; i-- {
		raw, err := base64.StdEncoding.DecodeString(k.Versions[i].Public)
		if err != nil {
			p.mu.Unlock()
			return false, fmt.Errorf("kms: decode public key: %w", err)
		}
		publics = append(publics, raw)
	}
	p.mu.Unlock()

	// Check every version unconditionally so the result does not reveal which
	// version (if any) matched.
	ok := false
	for _, pub := range publics {
		match, err := verifyWith(algo, pub, data, signature, messageType)
		if err != nil {
			return false, err
		}
		ok = ok || match
	}
	return ok, nil
}

// Encrypt encrypts plaintext with the active version of an AES key. The
// ciphertext carries a "v<N>:" version prefix so rotated keys can still decrypt.
func (p *LocalProvider) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	p.mu.Lock()
	k, err := p.resolve(keyID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if k.Meta.Usage != UsageEncryptDecrypt && k.Meta.Usage != UsageWrapUnwrap {
		p.mu.Unlock()
		return nil, ErrAlgorithmMismatch
	}
	if k.Meta.State != StateEnabled {
		p.mu.Unlock()
		return nil, ErrKeyDisabled
	}
	version := k.ActiveVersion
	key, err := p.unwrap(k, version)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ct, err := aesGCMEncrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("v%d:%s", version, base64.StdEncoding.EncodeToString(ct))), nil
}

// Decrypt decrypts versioned ciphertext produced by Encrypt. Any key version in
// the store may be used.
func (p *LocalProvider) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	version, payload, err := parseVersioned(string(ciphertext))
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	k, err := p.resolve(keyID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if k.Meta.Usage != UsageEncryptDecrypt && k.Meta.Usage != UsageWrapUnwrap {
		p.mu.Unlock()
		return nil, ErrAlgorithmMismatch
	}
	key, err := p.unwrap(k, version)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ct, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return aesGCMDecrypt(key, ct)
}

// GetPublicKey returns the public key of the active version.
func (p *LocalProvider) GetPublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := p.resolve(keyID)
	if err != nil {
		return nil, err
	}
	if k.Meta.Algorithm == AlgorithmAES256 {
		return nil, ErrUnsupported
	}
	v := k.version(k.ActiveVersion)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(v.Public)
	if err != nil {
		return nil, fmt.Errorf("kms: decode public key: %w", err)
	}
	return x509.ParsePKIXPublicKey(raw)
}

// RotateKey generates a new key version. Prior versions remain usable for
// Verify and Decrypt but not Sign or Encrypt.
func (p *LocalProvider) RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, err := p.resolve(keyID)
	if err != nil {
		return nil, err
	}
	if k.Meta.State != StateEnabled {
		return nil, ErrKeyDisabled
	}

	private, public, err := generateMaterial(k.Meta.Algorithm)
	if err != nil {
		return nil, err
	}
	wrapped, err := aesGCMEncrypt(p.wrap, private)
	if err != nil {
		return nil, err
	}

	next := k.ActiveVersion + 1
	k.Versions = append(k.Versions, localKeyVersion{
		Version:   next,
		Public:    base64.StdEncoding.EncodeToString(public),
		Private:   base64.StdEncoding.EncodeToString(wrapped),
		CreatedAt: time.Now().UTC(),
	})
	k.ActiveVersion = next
	delete(p.cache, k.Meta.KeyID)

	if err := p.persist(); err != nil {
		return nil, err
	}
	meta := k.Meta
	return &meta, nil
}

// resolve looks a key up by ID or alias and applies the lazy deletion sweep.
// Caller must hold p.mu.
func (p *LocalProvider) resolve(keyID string) (*localKey, error) {
	id := keyID
	if mapped, ok := p.store.Aliases[keyID]; ok {
		id = mapped
	}
	k, ok := p.store.Keys[id]
	if !ok {
		return nil, ErrKeyNotFound
	}

	if k.Meta.State == StatePendingDeletion && k.Meta.DeletionDate != nil &&
		time.Now().UTC().After(*k.Meta.DeletionDate) {
		k.Meta.State = StateDestroyed
		for i := range k.Versions {
			k.Versions[i].Private = ""
		}
		delete(p.cache, id)
		_ = p.persist()
	}
	return k, nil
}

// unwrap decrypts a version's private material, consulting the cache first.
// Caller must hold p.mu.
func (p *LocalProvider) unwrap(k *localKey, version int) ([]byte, error) {
	if k.Meta.State == StateDestroyed {
		return nil, ErrKeyDestroyed
	}
	if byVersion, ok := p.cache[k.Meta.KeyID]; ok {
		if raw, ok := byVersion[version]; ok {
			return raw, nil
		}
	}

	v := k.version(version)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	wrapped, err := base64.StdEncoding.DecodeString(v.Private)
	if err != nil {
		return nil, fmt.Errorf("kms: decode private key: %w", err)
	}
	raw, err := aesGCMDecrypt(p.wrap, wrapped)
	if err != nil {
		return nil, fmt.Errorf("kms: unwrap key: %w", err)
	}

	if p.cache[k.Meta.KeyID] == nil {
		p.cache[k.Meta.KeyID] = map[int][]byte{}
	}
	p.cache[k.Meta.KeyID][version] = raw
	return raw, nil
}

func (k *localKey) version(n int) *localKeyVersion {
	for i := range k.Versions {
		if k.Versions[i].Version == n {
			return &k.Versions[i]
		}
	}
	return nil
}

// persist writes the keystore to disk with restricted permissions.
func (p *LocalProvider) persist() error {
	data, err := json.MarshalIndent(p.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("kms: replace keystore: %w", err)
	}
	return nil
}

// --- key material generation and raw sign/verify ---

func generateMaterial(algo Algorithm) (private, public []byte, err error) {
	switch algo {
	case AlgorithmED25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("kms: generate ed25519: %w", err)
		}
		return marshalKeyPair(priv, pub)
	case AlgorithmECP256, AlgorithmECP384:
		curve := elliptic.P256()
		if algo == AlgorithmECP384 {
			curve = elliptic.P384()
		}
		priv, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("kms: generate ecdsa: %w", err)
		}
		return marshalKeyPair(priv, &priv.PublicKey)
	case AlgorithmRSA2048, AlgorithmRSA4096:
		bits := 2048
		if algo == AlgorithmRSA4096 {
			bits = 4096
		}
		priv, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, fmt.Errorf("kms: generate rsa: %w", err)
		}
		return marshalKeyPair(priv, &priv.PublicKey)
	case AlgorithmAES256:
		key := make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, key); err != nil {
			return nil, nil, fmt.Errorf("kms: generate aes key: %w", err)
		}
		return key, nil, nil
	default:
		return nil, nil, ErrWeakAlgorithm
	}
}

func marshalKeyPair(priv crypto.PrivateKey, pub crypto.PublicKey) ([]byte, []byte, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("kms: marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("kms: marshal public key: %w", err)
	}
	return privDER, pubDER, nil
}

func signWith(algo Algorithm, privDER, data []byte, messageType MessageType) ([]byte, error) {
	switch algo {
	case AlgorithmED25519:
		if messageType == MessageDigest {
			return nil, fmt.Errorf("%w: ed25519 signs raw messages only", ErrUnsupported)
		}
		key, err := parsePKCS8[ed25519.PrivateKey](privDER)
		if err != nil {
			return nil, err
		}
		return ed25519.Sign(key, data), nil
	case AlgorithmECP256, AlgorithmECP384:
		key, err := parsePKCS8[*ecdsa.PrivateKey](privDER)
		if err != nil {
			return nil, err
		}
		digest := digestFor(algo, data, messageType)
		return ecdsa.SignASN1(rand.Reader, key, digest)
	case AlgorithmRSA2048, AlgorithmRSA4096:
		key, err := parsePKCS8[*rsa.PrivateKey](privDER)
		if err != nil {
			return nil, err
		}
		digest := digestFor(algo, data, messageType)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	default:
		return nil, ErrAlgorithmMismatch
	}
}

func verifyWith(algo Algorithm, pubDER, data, signature []byte, messageType MessageType) (bool, error) {
	pub, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return false, fmt.Errorf("kms: parse public key: %w", err)
	}
	switch algo {
	case AlgorithmED25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok {
			return false, ErrAlgorithmMismatch
		}
		return ed25519.Verify(key, data, signature), nil
	case AlgorithmECP256, AlgorithmECP384:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false, ErrAlgorithmMismatch
		}
		return ecdsa.VerifyASN1(key, digestFor(algo, data, messageType), signature), nil
	case AlgorithmRSA2048, AlgorithmRSA4096:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false, ErrAlgorithmMismatch
		}
		err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digestFor(algo, data, messageType), signature)
		return err == nil, nil
	default:
		return false, ErrAlgorithmMismatch
	}
}

// digestFor hashes data unless the caller already supplied a digest.
func digestFor(algo Algorithm, data []byte, messageType MessageType) []byte {
	if messageType == MessageDigest {
		return data
	}
	if algo == AlgorithmECP384 {
		sum := sha512.Sum384(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

func parsePKCS8[T crypto.PrivateKey](der []byte) (T, error) {
	var zero T
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return zero, fmt.Errorf("kms: parse private key: %w", err)
	}
	typed, ok := key.(T)
	if !ok {
		return zero, ErrAlgorithmMismatch
	}
	return typed, nil
}

// --- AES-256-GCM helpers ---

func aesGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func aesGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("kms: ciphertext too short")
	}

	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// parseVersioned splits "v<N>:<payload>" into (N, payload).
func parseVersioned(s string) (int, string, error) {
	if !strings.HasPrefix(s, "v") {
		return 0, "", fmt.Errorf("kms: missing version prefix in ciphertext")
	}

	idx := strings.Index(s, ":")
	if idx < 2 {
		return 0, "", fmt.Errorf("kms: malformed versioned ciphertext")
	}

	v, err := strconv.Atoi(s[1:idx])
	if err != nil {
		return 0, "", fmt.Errorf("kms: parse version: %w", err)
	}

	return v, s[idx+1:], nil
}
