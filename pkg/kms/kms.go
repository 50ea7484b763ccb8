// Package kms abstracts creation and use of cryptographic keys behind a
// provider-agnostic interface. Three providers exist: a file-backed local store,
// AWS KMS, and GCP Cloud KMS. Key material never leaves the provider; callers
// hold key IDs only.
//
// Providers are safe for concurrent use. They perform no internal retries;
// transient errors are returned unchanged and retry policy belongs to the caller.
package kms

import (
	"context"
	"crypto"
	"errors"
	"time"
)

// Algorithm identifies the key algorithm.
type Algorithm string

const (
	AlgorithmRSA2048 Algorithm = "RSA_2048"
	AlgorithmRSA4096 Algorithm = "RSA_4096"
	AlgorithmECP256  Algorithm = "EC_P256"
	AlgorithmECP384  Algorithm = "EC_P384"
	AlgorithmED25519 Algorithm = "ED25519"
	AlgorithmAES256  Algorithm = "AES_256"
)

// KeyUsage specifies what a key may be used for.
type KeyUsage string

const (
	UsageSignVerify     KeyUsage = "sign_verify"
	UsageEncryptDecrypt KeyUsage = "encrypt_decrypt"
	UsageWrapUnwrap     KeyUsage = "wrap_unwrap"
)

// KeyState is the lifecycle state of a key.
type KeyState string

const (
	StateEnabled         KeyState = "enabled"
	StateDisabled        KeyState = "disabled"
	StatePendingDeletion KeyState = "pending_deletion"
	StateDestroyed       KeyState = "destroyed"
)

// MessageType indicates whether Sign/Verify input is the raw message or a
// precomputed digest.
type MessageType string

const (
	MessageRaw    MessageType = "raw"
	MessageDigest MessageType = "digest"
)

// Deletion window bounds in days.
const (
	MinDeletionWindowDays     = 1
	DefaultDeletionWindowDays = 30
)

// Typed failures. All providers report errors as values; no panics.
var (
	ErrKeyNotFound       = errors.New("kms: key not found")
	ErrKeyDisabled       = errors.New("kms: key is not enabled")
	ErrKeyDestroyed      = errors.New("kms: key is destroyed")
	ErrAlgorithmMismatch = errors.New("kms: operation not permitted for key usage")
	ErrAliasExists       = errors.New("kms: alias already in use")
	ErrWeakAlgorithm     = errors.New("kms: algorithm below minimum strength")
	ErrInvalidWindow     = errors.New("kms: deletion window below minimum")
	ErrUnsupported       = errors.New("kms: operation not supported by provider")
)

// KeyMetadata describes a managed key. The private material stays inside the
// provider; ResourceRef is the provider-native identifier (ARN, resource name,
// or local keystore ID).
type KeyMetadata struct {
	KeyID        string     `json:"key_id"`
	Alias        string     `json:"alias,omitempty"`
	Algorithm    Algorithm  `json:"algorithm"`
	Usage        KeyUsage   `json:"usage"`
	State        KeyState   `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	Provider     string     `json:"provider"`
	ResourceRef  string     `json:"resource_ref,omitempty"`
	DeletionDate *time.Time `json:"deletion_date,omitempty"`
}

// CreateKeyInput configures key creation.
type CreateKeyInput struct {
	Algorithm Algorithm
	Usage     KeyUsage
	Alias     string
	Tags      map[string]string
}

// Provider is the capability set every KMS backend implements.
//
// Guarantees:
//   - CreateKey returns a key in state enabled; a supplied alias is unique
//     within the provider.
//   - Sign fails with ErrKeyDisabled unless the key is enabled, ErrKeyNotFound
//     if absent, ErrAlgorithmMismatch if usage is not sign_verify. Signature
//     bytes are provider-native but stable for a given key.
//   - Verify may be implemented locally from GetPublicKey when the backend has
//     no verify call (GCP). Implementations must not leak timing on the result.
//   - ScheduleKeyDeletion transitions to pending_deletion; EnableKey during the
//     window reverts to enabled; after the window the provider may advance the
//     key to destroyed.
//   - RotateKey creates a new key version; prior versions remain usable for
//     Verify but not Sign.
type Provider interface {
	CreateKey(ctx context.Context, in CreateKeyInput) (*KeyMetadata, error)
	GetKey(ctx context.Context, keyID string) (*KeyMetadata, error)
	ListKeys(ctx context.Context) ([]KeyMetadata, error)
	EnableKey(ctx context.Context, keyID string) error
	DisableKey(ctx context.Context, keyID string) error
	ScheduleKeyDeletion(ctx context.Context, keyID string, pendingWindowDays int) (*KeyMetadata, error)
	Sign(ctx context.Context, keyID string, data []byte, messageType MessageType) ([]byte, error)
	Verify(ctx context.Context, keyID string, data, signature []byte, messageType MessageType) (bool, error)
	Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error)
	GetPublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error)
	RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error)
}

// SigningAlgorithms lists the algorithms acceptable for new signing keys.
// Ed25519 is preferred and is the required choice for audit-log signing when
// the provider supports it.
func SigningAlgorithms() []Algorithm {
	return []Algorithm{AlgorithmED25519, AlgorithmECP256, AlgorithmECP384, AlgorithmRSA2048, AlgorithmRSA4096}
}

// ValidateCreateInput enforces the minimum-strength policy shared by all
// providers.
func ValidateCreateInput(in CreateKeyInput) error {
	switch in.Algorithm {
	case AlgorithmRSA2048, AlgorithmRSA4096, AlgorithmECP256, AlgorithmECP384, AlgorithmED25519:
		if in.Usage != UsageSignVerify {
			return ErrAlgorithmMismatch
		}
	case AlgorithmAES256:
		if in.Usage != UsageEncryptDecrypt && in.Usage != UsageWrapUnwrap {
			return ErrAlgorithmMismatch
		}
	default:
		// Anything not in the table (RSA-1024, P-192, ...) is refused.
		return ErrWeakAlgorithm
	}
	return nil
}
