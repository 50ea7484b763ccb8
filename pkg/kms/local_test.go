package kms

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(filepath.Join(t.TempDir(), "keystore.json"), nil)
	require.NoError(t, err)
	return p
}

func TestValidateCreateInput(t *testing.T) {
	cases := []struct {
		name string
		in   CreateKeyInput
		err  error
	}{
		{"ed25519 signing", CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify}, nil},
		{"rsa4096 signing", CreateKeyInput{Algorithm: AlgorithmRSA4096, Usage: UsageSignVerify}, nil},
		{"aes encryption", CreateKeyInput{Algorithm: AlgorithmAES256, Usage: UsageEncryptDecrypt}, nil},
		{"aes wrapping", CreateKeyInput{Algorithm: AlgorithmAES256, Usage: UsageWrapUnwrap}, nil},
		{"signing key for encryption", CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageEncryptDecrypt}, ErrAlgorithmMismatch},
		{"aes for signing", CreateKeyInput{Algorithm: AlgorithmAES256, Usage: UsageSignVerify}, ErrAlgorithmMismatch},
		{"unknown algorithm", CreateKeyInput{Algorithm: "RSA_1024", Usage: UsageSignVerify}, ErrWeakAlgorithm},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCreateInput(tc.in)
			if tc.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.err)
			}
		})
	}
}

func TestLocalProvider_SignVerify(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, meta.State)
	assert.Equal(t, "local", meta.Provider)

	msg := []byte("the quick brown fox")
	sig, err := p.Sign(ctx, meta.KeyID, msg, MessageRaw)
	require.NoError(t, err)

	ok, err := p.Verify(ctx, meta.KeyID, msg, sig, MessageRaw)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Verify(ctx, meta.KeyID, []byte("tampered"), sig, MessageRaw)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalProvider_SignDigestModes(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	ec, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmECP256, Usage: UsageSignVerify})
	require.NoError(t, err)

	digest := make([]byte, 32)
	sig, err := p.Sign(ctx, ec.KeyID, digest, MessageDigest)
	require.NoError(t, err)
	ok, err := p.Verify(ctx, ec.KeyID, digest, sig, MessageDigest)
	require.NoError(t, err)
	assert.True(t, ok)

	// Ed25519 has no prehashed mode.
	ed, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)
	_, err = p.Sign(ctx, ed.KeyID, digest, MessageDigest)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLocalProvider_Alias(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{
		Algorithm: AlgorithmED25519,
		Usage:     UsageSignVerify,
		Alias:     "audit-signing",
	})
	require.NoError(t, err)

	byAlias, err := p.GetKey(ctx, "audit-signing")
	require.NoError(t, err)
	assert.Equal(t, meta.KeyID, byAlias.KeyID)

	_, err = p.CreateKey(ctx, CreateKeyInput{
		Algorithm: AlgorithmED25519,
		Usage:     UsageSignVerify,
		Alias:     "audit-signing",
	})
	assert.ErrorIs(t, err, ErrAliasExists)
}

func TestLocalProvider_DisableEnable(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)

	require.NoError(t, p.DisableKey(ctx, meta.KeyID))
	_, err = p.Sign(ctx, meta.KeyID, []byte("x"), MessageRaw)
	assert.ErrorIs(t, err, ErrKeyDisabled)

	// Verification of old signatures keeps working while disabled.
	require.NoError(t, p.EnableKey(ctx, meta.KeyID))
	sig, err := p.Sign(ctx, meta.KeyID, []byte("x"), MessageRaw)
	require.NoError(t, err)
	require.NoError(t, p.DisableKey(ctx, meta.KeyID))
	ok, err := p.Verify(ctx, meta.KeyID, []byte("x"), sig, MessageRaw)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalProvider_ScheduleDeletion(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)

	_, err = p.ScheduleKeyDeletion(ctx, meta.KeyID, -1)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	updated, err := p.ScheduleKeyDeletion(ctx, meta.KeyID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatePendingDeletion, updated.State)
	require.NotNil(t, updated.DeletionDate)
	assert.WithinDuration(t,
		time.Now().UTC().Add(DefaultDeletionWindowDays*24*time.Hour),
		*updated.DeletionDate, time.Minute)

	_, err = p.Sign(ctx, meta.KeyID, []byte("x"), MessageRaw)
	assert.ErrorIs(t, err, ErrKeyDisabled)

	// Enabling during the window cancels the deletion.
	require.NoError(t, p.EnableKey(ctx, meta.KeyID))
	after, err := p.GetKey(ctx, meta.KeyID)
	require.NoError(t, err)
	assert.Equal(t, StateEnabled, after.State)
	assert.Nil(t, after.DeletionDate)
}

func TestLocalProvider_Rotate(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)

	msg := []byte("signed before rotation")
	oldSig, err := p.Sign(ctx, meta.KeyID, msg, MessageRaw)
	require.NoError(t, err)

	_, err = p.RotateKey(ctx, meta.KeyID)
	require.NoError(t, err)

	// Old signatures still verify; new signatures come from the new version.
	ok, err := p.Verify(ctx, meta.KeyID, msg, oldSig, MessageRaw)
	require.NoError(t, err)
	assert.True(t, ok)

	newSig, err := p.Sign(ctx, meta.KeyID, msg, MessageRaw)
	require.NoError(t, err)
	assert.NotEqual(t, oldSig, newSig)
	ok, err = p.Verify(ctx, meta.KeyID, msg, newSig, MessageRaw)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocalProvider_EncryptDecrypt(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmAES256, Usage: UsageEncryptDecrypt})
	require.NoError(t, err)

	plaintext := []byte("secret payload")
	ct, err := p.Encrypt(ctx, meta.KeyID, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	got, err := p.Decrypt(ctx, meta.KeyID, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// Ciphertext produced before rotation still decrypts.
	_, err = p.RotateKey(ctx, meta.KeyID)
	require.NoError(t, err)
	got, err = p.Decrypt(ctx, meta.KeyID, ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestLocalProvider_UsageMismatch(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	signing, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)
	aesKey, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmAES256, Usage: UsageEncryptDecrypt})
	require.NoError(t, err)

	_, err = p.Encrypt(ctx, signing.KeyID, []byte("x"))
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)
	_, err = p.Sign(ctx, aesKey.KeyID, []byte("x"), MessageRaw)
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestLocalProvider_GetPublicKey(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	meta, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify})
	require.NoError(t, err)

	pub, err := p.GetPublicKey(ctx, meta.KeyID)
	require.NoError(t, err)
	_, isEd := pub.(ed25519.PublicKey)
	assert.True(t, isEd)

	aesKey, err := p.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmAES256, Usage: UsageEncryptDecrypt})
	require.NoError(t, err)
	_, err = p.GetPublicKey(ctx, aesKey.KeyID)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLocalProvider_NotFound(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	_, err := p.GetKey(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	_, err = p.Sign(ctx, "missing", []byte("x"), MessageRaw)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, p.DisableKey(ctx, "missing"), ErrKeyNotFound)
}

func TestLocalProvider_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.json")
	ctx := context.Background()

	p1, err := NewLocalProvider(path, nil)
	require.NoError(t, err)
	meta, err := p1.CreateKey(ctx, CreateKeyInput{Algorithm: AlgorithmED25519, Usage: UsageSignVerify, Alias: "k"})
	require.NoError(t, err)
	sig, err := p1.Sign(ctx, meta.KeyID, []byte("durable"), MessageRaw)
	require.NoError(t, err)

	// Reopen against the same keystore; the auto-generated master secret is
	// read back from disk so wrapped material stays decryptable.
	p2, err := NewLocalProvider(path, nil)
	require.NoError(t, err)

	keys, err := p2.ListKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	ok, err := p2.Verify(ctx, "k", []byte("durable"), sig, MessageRaw)
	require.NoError(t, err)
	assert.True(t, ok)

	sig2, err := p2.Sign(ctx, "k", []byte("durable"), MessageRaw)
	require.NoError(t, err)
	assert.Equal(t, sig, sig2, "ed25519 signatures are deterministic per key")
}
