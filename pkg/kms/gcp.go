package kms

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	gcpkms "cloud.google.com/go/kms/apiv1"
	"cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

const gcpProviderName = "gcp"

// GCPProvider implements Provider on GCP Cloud KMS. Keys are CryptoKeys inside
// a single key ring; versions map to CryptoKeyVersions, with the primary (for
// symmetric keys) or the newest enabled version (for signing keys) acting as
// the active version.
//
// Cloud KMS has no verify RPC, so Verify fetches the public key and checks the
// signature locally.
type GCPProvider struct {
	client  *gcpkms.KeyManagementClient
	keyRing string // projects/<p>/locations/<l>/keyRings/<r>
}

// GCPConfig holds configuration for GCPProvider.
type GCPConfig struct {
	ProjectID string
	Location  string // e.g. "global"
	KeyRing   string
}

// NewGCPProvider creates a Cloud KMS backed provider. Credentials come from
// Application Default Credentials.
func NewGCPProvider(ctx context.Context, cfg GCPConfig, opts ...option.ClientOption) (*GCPProvider, error) {
	client, err := gcpkms.NewKeyManagementClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Cloud KMS client: %w", err)
	}
	location := cfg.Location
	if location == "" {
		location = "global"
	}
	return &GCPProvider{
		client:  client,
		keyRing: fmt.Sprintf("projects/%s/locations/%s/keyRings/%s", cfg.ProjectID, location, cfg.KeyRing),
	}, nil
}

// Close releases the underlying gRPC connection.
func (p *GCPProvider) Close() error {
	return p.client.Close()
}

func (p *GCPProvider) CreateKey(ctx context.Context, in CreateKeyInput) (*KeyMetadata, error) {
	if err := ValidateCreateInput(in); err != nil {
		return nil, err
	}
	algo, purpose, err := gcpAlgorithm(in.Algorithm, in.Usage)
	if err != nil {
		return nil, err
	}

	keyID := in.Alias
	if keyID == "" {
		keyID = fmt.Sprintf("key-%d", time.Now().UnixNano())
	}

	key, err := p.client.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      p.keyRing,
		CryptoKeyId: keyID,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: purpose,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm: algo,
			},
			Labels: in.Tags,
			// Cloud KMS fixes the destroy window at key creation.
			DestroyScheduledDuration: durationpb.New(DefaultDeletionWindowDays * 24 * time.Hour),
		},
	})
	if err != nil {
		return nil, mapGCPError(err)
	}

	meta := p.gcpMetadata(key, StateEnabled)
	return &meta, nil
}

func (p *GCPProvider) GetKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	key, err := p.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: p.keyName(keyID)})
	if err != nil {
		return nil, mapGCPError(err)
	}
	version, err := p.activeVersion(ctx, keyID)
	if err != nil {
		return nil, err
	}
	meta := p.gcpMetadata(key, gcpState(version.State))
	if version.DestroyTime != nil {
		t := version.DestroyTime.AsTime()
		meta.DeletionDate = &t
	}
	return &meta, nil
}

func (p *GCPProvider) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	var out []KeyMetadata
	it := p.client.ListCryptoKeys(ctx, &kmspb.ListCryptoKeysRequest{Parent: p.keyRing})
	for {
		key, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, mapGCPError(err)
		}
		out = append(out, p.gcpMetadata(key, StateEnabled))
	}
	return out, nil
}

func (p *GCPProvider) EnableKey(ctx context.Context, keyID string) error {
	version, err := p.activeVersion(ctx, keyID)
	if err != nil {
		return err
	}
	if version.State == kmspb.CryptoKeyVersion_DESTROY_SCHEDULED {
		_, err = p.client.RestoreCryptoKeyVersion(ctx, &kmspb.RestoreCryptoKeyVersionRequest{Name: version.Name})
		if err != nil {
			return mapGCPError(err)
		}
		// Restore lands in DISABLED; fall through to enable.
	}
	return p.setVersionState(ctx, keyID, kmspb.CryptoKeyVersion_ENABLED)
}

func (p *GCPProvider) DisableKey(ctx context.Context, keyID string) error {
	return p.setVersionState(ctx, keyID, kmspb.CryptoKeyVersion_DISABLED)
}

func (p *GCPProvider) ScheduleKeyDeletion(ctx context.Context, keyID string, pendingWindowDays int) (*KeyMetadata, error) {
	if pendingWindowDays == 0 {
		pendingWindowDays = DefaultDeletionWindowDays
	}
	if pendingWindowDays < MinDeletionWindowDays {
		return nil, ErrInvalidWindow
	}

	version, err := p.activeVersion(ctx, keyID)
	if err != nil {
		return nil, err
	}
	// Cloud KMS destroys versions, not keys, and the destroy window was fixed
	// at key creation; a different per-call window cannot be honored here.
	if _, err := p.client.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{Name: version.Name}); err != nil {
		return nil, mapGCPError(err)
	}
	return p.GetKey(ctx, keyID)
}

func (p *GCPProvider) Sign(ctx context.Context, keyID string, data []byte, messageType MessageType) ([]byte, error) {
	version, err := p.activeVersion(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if version.State != kmspb.CryptoKeyVersion_ENABLED {
		return nil, ErrKeyDisabled
	}

	req := &kmspb.AsymmetricSignRequest{Name: version.Name}
	if messageType == MessageDigest {
		req.Digest = &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: data}}
	} else {
		req.Data = data
	}

	out, err := p.client.AsymmetricSign(ctx, req)
	if err != nil {
		return nil, mapGCPError(err)
	}
	return out.Signature, nil
}

// Verify is implemented locally: Cloud KMS exposes no verify RPC, so the public
// key is fetched and the signature checked in-process. Old versions are tried
// as well so rotated keys keep verifying.
func (p *GCPProvider) Verify(ctx context.Context, keyID string, data, signature []byte, messageType MessageType) (bool, error) {
	versions, algo, err := p.listVersions(ctx, keyID)
	if err != nil {
		return false, err
	}

	ok := false
	for _, name := range versions {
		pub, err := p.publicKeyFor(ctx, name)
		if err != nil {
			continue
		}
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			continue
		}
		match, err := verifyWith(algo, der, data, signature, messageType)
		if err != nil {
			continue
		}
		ok = ok || match
	}
	return ok, nil
}

func (p *GCPProvider) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	out, err := p.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:      p.keyName(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, mapGCPError(err)
	}
	return out.Ciphertext, nil
}

func (p *GCPProvider) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:       p.keyName(keyID),
		Ciphertext: ciphertext,
	})
	if err != nil {
		return nil, mapGCPError(err)
	}
	return out.Plaintext, nil
}

func (p *GCPProvider) GetPublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	version, err := p.activeVersion(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return p.publicKeyFor(ctx, version.Name)
}

func (p *GCPProvider) RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	version, err := p.client.CreateCryptoKeyVersion(ctx, &kmspb.CreateCryptoKeyVersionRequest{
		Parent:           p.keyName(keyID),
		CryptoKeyVersion: &kmspb.CryptoKeyVersion{},
	})
	if err != nil {
		return nil, mapGCPError(err)
	}

	// Symmetric keys route Encrypt through the primary version; point it at the
	// new version. Asymmetric keys have no primary; Sign picks the newest
	// enabled version.
	key, err := p.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: p.keyName(keyID)})
	if err != nil {
		return nil, mapGCPError(err)
	}
	if key.Purpose == kmspb.CryptoKey_ENCRYPT_DECRYPT {
		parts := strings.Split(version.Name, "/")
		_, err = p.client.UpdateCryptoKeyPrimaryVersion(ctx, &kmspb.UpdateCryptoKeyPrimaryVersionRequest{
			Name:               p.keyName(keyID),
			CryptoKeyVersionId: parts[len(parts)-1],
		})
		if err != nil {
			return nil, mapGCPError(err)
		}
	}
	return p.GetKey(ctx, keyID)
}

// --- helpers ---

func (p *GCPProvider) keyName(keyID string) string {
	if strings.HasPrefix(keyID, "projects/") {
		return keyID
	}
	return p.keyRing + "/cryptoKeys/" + keyID
}

// activeVersion returns the newest non-destroyed version of a key.
func (p *GCPProvider) activeVersion(ctx context.Context, keyID string) (*kmspb.CryptoKeyVersion, error) {
	it := p.client.ListCryptoKeyVersions(ctx, &kmspb.ListCryptoKeyVersionsRequest{
		Parent:  p.keyName(keyID),
		OrderBy: "name desc",
	})
	for {
		version, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				return nil, ErrKeyNotFound
			}
			return nil, mapGCPError(err)
		}
		if version.State != kmspb.CryptoKeyVersion_DESTROYED {
			return version, nil
		}
	}
}

func (p *GCPProvider) listVersions(ctx context.Context, keyID string) ([]string, Algorithm, error) {
	key, err := p.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: p.keyName(keyID)})
	if err != nil {
		return nil, "", mapGCPError(err)
	}
	algo := fromGCPAlgorithm(key.VersionTemplate.GetAlgorithm())

	var names []string
	it := p.client.ListCryptoKeyVersions(ctx, &kmspb.ListCryptoKeyVersionsRequest{
		Parent:  p.keyName(keyID),
		OrderBy: "name desc",
	})
	for {
		version, err := it.Next()
		if err != nil {
			if errors.Is(err, iterator.Done) {
				break
			}
			return nil, "", mapGCPError(err)
		}
		if version.State == kmspb.CryptoKeyVersion_ENABLED {
			names = append(names, version.Name)
		}
	}
	return names, algo, nil
}

func (p *GCPProvider) publicKeyFor(ctx context.Context, versionName string) (crypto.PublicKey, error) {
	out, err := p.client.GetPublicKey(ctx, &kmspb.GetPublicKeyRequest{Name: versionName})
	if err != nil {
		return nil, mapGCPError(err)
	}
	block, _ := pem.Decode([]byte(out.Pem))
	if block == nil {
		return nil, fmt.Errorf("kms: invalid PEM from Cloud KMS")
	}
	return x509.ParsePKIXPublicKey(block.Bytes)
}

func (p *GCPProvider) setVersionState(ctx context.Context, keyID string, state kmspb.CryptoKeyVersion_CryptoKeyVersionState) error {
	version, err := p.activeVersion(ctx, keyID)
	if err != nil {
		return err
	}
	version.State = state
	_, err = p.client.UpdateCryptoKeyVersion(ctx, &kmspb.UpdateCryptoKeyVersionRequest{
		CryptoKeyVersion: version,
		UpdateMask:       &fieldmaskpb.FieldMask{Paths: []string{"state"}},
	})
	return mapGCPError(err)
}

func (p *GCPProvider) gcpMetadata(key *kmspb.CryptoKey, state KeyState) KeyMetadata {
	parts := strings.Split(key.Name, "/")
	meta := KeyMetadata{
		KeyID:       parts[len(parts)-1],
		Algorithm:   fromGCPAlgorithm(key.VersionTemplate.GetAlgorithm()),
		State:       state,
		Provider:    gcpProviderName,
		ResourceRef: key.Name,
	}
	if key.CreateTime != nil {
		meta.CreatedAt = key.CreateTime.AsTime()
	}
	if key.Purpose == kmspb.CryptoKey_ASYMMETRIC_SIGN {
		meta.Usage = UsageSignVerify
	} else {
		meta.Usage = UsageEncryptDecrypt
	}
	return meta
}

func gcpAlgorithm(algo Algorithm, usage KeyUsage) (kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, kmspb.CryptoKey_CryptoKeyPurpose, error) {
	switch algo {
	case AlgorithmED25519:
		return kmspb.CryptoKeyVersion_EC_SIGN_ED25519, kmspb.CryptoKey_ASYMMETRIC_SIGN, nil
	case AlgorithmECP256:
		return kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, kmspb.CryptoKey_ASYMMETRIC_SIGN, nil
	case AlgorithmECP384:
		return kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384, kmspb.CryptoKey_ASYMMETRIC_SIGN, nil
	case AlgorithmRSA2048:
		return kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256, kmspb.CryptoKey_ASYMMETRIC_SIGN, nil
	case AlgorithmRSA4096:
		return kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256, kmspb.CryptoKey_ASYMMETRIC_SIGN, nil
	case AlgorithmAES256:
		return kmspb.CryptoKeyVersion_GOOGLE_SYMMETRIC_ENCRYPTION, kmspb.CryptoKey_ENCRYPT_DECRYPT, nil
	default:
		return 0, 0, ErrWeakAlgorithm
	}
}

func fromGCPAlgorithm(algo kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm) Algorithm {
	switch algo {
	case kmspb.CryptoKeyVersion_EC_SIGN_ED25519:
		return AlgorithmED25519
	case kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256:
		return AlgorithmECP256
	case kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384:
		return AlgorithmECP384
	case kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_2048_SHA256:
		return AlgorithmRSA2048
	case kmspb.CryptoKeyVersion_RSA_SIGN_PKCS1_4096_SHA256:
		return AlgorithmRSA4096
	default:
		return AlgorithmAES256
	}
}

func gcpState(state kmspb.CryptoKeyVersion_CryptoKeyVersionState) KeyState {
	switch state {
	case kmspb.CryptoKeyVersion_ENABLED:
		return StateEnabled
	case kmspb.CryptoKeyVersion_DISABLED:
		return StateDisabled
	case kmspb.CryptoKeyVersion_DESTROY_SCHEDULED:
		return StatePendingDeletion
	case kmspb.CryptoKeyVersion_DESTROYED:
		return StateDestroyed
	default:
		return StateDisabled
	}
}

func mapGCPError(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.NotFound:
		return ErrKeyNotFound
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %v", ErrKeyDisabled, err)
	}
	return err
}
