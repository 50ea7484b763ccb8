package kms

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const awsProviderName = "aws"

// AWSProvider implements Provider on AWS KMS. Key material lives in AWS; every
// operation is a remote call and transient errors are returned unchanged for
// the caller to retry.
//
// AWS KMS does not offer Ed25519; CreateKey refuses it with ErrUnsupported so
// deployments that require Ed25519 audit signing use the local or GCP provider.
type AWSProvider struct {
	client *awskms.Client
}

// AWSConfig holds configuration for AWSProvider.
type AWSConfig struct {
	Region   string
	Endpoint string // Optional custom endpoint (for LocalStack etc.)
}

// NewAWSProvider creates an AWS KMS backed provider.
func NewAWSProvider(ctx context.Context, cfg AWSConfig) (*AWSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *awskms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}

	return &AWSProvider{client: awskms.NewFromConfig(awsCfg, clientOpts)}, nil
}

// NewAWSProviderFromClient wraps an existing client (used by tests).
func NewAWSProviderFromClient(client *awskms.Client) *AWSProvider {
	return &AWSProvider{client: client}
}

func (p *AWSProvider) CreateKey(ctx context.Context, in CreateKeyInput) (*KeyMetadata, error) {
	if err := ValidateCreateInput(in); err != nil {
		return nil, err
	}
	spec, err := awsKeySpec(in.Algorithm)
	if err != nil {
		return nil, err
	}

	input := &awskms.CreateKeyInput{
		KeySpec:  spec,
		KeyUsage: awsKeyUsage(in.Usage),
	}
	for k, v := range in.Tags {
		input.Tags = append(input.Tags, types.Tag{TagKey: aws.String(k), TagValue: aws.String(v)})
	}

	out, err := p.client.CreateKey(ctx, input)
	if err != nil {
		return nil, mapAWSError(err)
	}

	if in.Alias != "" {
		_, err = p.client.CreateAlias(ctx, &awskms.CreateAliasInput{
			AliasName:   aws.String("alias/" + in.Alias),
			TargetKeyId: out.KeyMetadata.KeyId,
		})
		if err != nil {
			var exists *types.AlreadyExistsException
			if errors.As(err, &exists) {
				return nil, ErrAliasExists
			}
			return nil, mapAWSError(err)
		}
	}

	meta := awsMetadata(out.KeyMetadata, in.Alias)
	return &meta, nil
}

func (p *AWSProvider) GetKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	out, err := p.client.DescribeKey(ctx, &awskms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, mapAWSError(err)
	}
	meta := awsMetadata(out.KeyMetadata, "")
	return &meta, nil
}

func (p *AWSProvider) ListKeys(ctx context.Context) ([]KeyMetadata, error) {
	var out []KeyMetadata
	paginator := awskms.NewListKeysPaginator(p.client, &awskms.ListKeysInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapAWSError(err)
		}
		for _, entry := range page.Keys {
			desc, err := p.client.DescribeKey(ctx, &awskms.DescribeKeyInput{KeyId: entry.KeyId})
			if err != nil {
				return nil, mapAWSError(err)
			}
			out = append(out, awsMetadata(desc.KeyMetadata, ""))
		}
	}
	return out, nil
}

func (p *AWSProvider) EnableKey(ctx context.Context, keyID string) error {
	// CancelKeyDeletion first if the key is pending deletion; AWS requires the
	// explicit cancel before enable.
	meta, err := p.GetKey(ctx, keyID)
	if err != nil {
		return err
	}
	if meta.State == StatePendingDeletion {
		if _, err := p.client.CancelKeyDeletion(ctx, &awskms.CancelKeyDeletionInput{KeyId: aws.String(keyID)}); err != nil {
			return mapAWSError(err)
		}
	}
	_, err = p.client.EnableKey(ctx, &awskms.EnableKeyInput{KeyId: aws.String(keyID)})
	return mapAWSError(err)
}

func (p *AWSProvider) DisableKey(ctx context.Context, keyID string) error {
	_, err := p.client.DisableKey(ctx, &awskms.DisableKeyInput{KeyId: aws.String(keyID)})
	return mapAWSError(err)
}

func (p *AWSProvider) ScheduleKeyDeletion(ctx context.Context, keyID string, pendingWindowDays int) (*KeyMetadata, error) {
	if pendingWindowDays == 0 {
		pendingWindowDays = DefaultDeletionWindowDays
	}
	if pendingWindowDays < MinDeletionWindowDays {
		return nil, ErrInvalidWindow
	}
	_, err := p.client.ScheduleKeyDeletion(ctx, &awskms.ScheduleKeyDeletionInput{
		KeyId:               aws.String(keyID),
		PendingWindowInDays: aws.Int32(int32(pendingWindowDays)),
	})
	if err != nil {
		return nil, mapAWSError(err)
	}
	return p.GetKey(ctx, keyID)
}

func (p *AWSProvider) Sign(ctx context.Context, keyID string, data []byte, messageType MessageType) ([]byte, error) {
	meta, err := p.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if meta.Usage != UsageSignVerify {
		return nil, ErrAlgorithmMismatch
	}
	algo, err := awsSigningAlgorithm(meta.Algorithm)
	if err != nil {
		return nil, err
	}

	out, err := p.client.Sign(ctx, &awskms.SignInput{
		KeyId:            aws.String(keyID),
		Message:          data,
		MessageType:      awsMessageType(messageType),
		SigningAlgorithm: algo,
	})
	if err != nil {
		return nil, mapAWSError(err)
	}
	return out.Signature, nil
}

func (p *AWSProvider) Verify(ctx context.Context, keyID string, data, signature []byte, messageType MessageType) (bool, error) {
	meta, err := p.GetKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	algo, err := awsSigningAlgorithm(meta.Algorithm)
	if err != nil {
		return false, err
	}

	out, err := p.client.Verify(ctx, &awskms.VerifyInput{
		KeyId:            aws.String(keyID),
		Message:          data,
		MessageType:      awsMessageType(messageType),
		Signature:        signature,
		SigningAlgorithm: algo,
	})
	if err != nil {
		// AWS reports a bad signature as an error rather than valid=false.
		var invalid *types.KMSInvalidSignatureException
		if errors.As(err, &invalid) {
			return false, nil
		}
		return false, mapAWSError(err)
	}
	return out.SignatureValid, nil
}

func (p *AWSProvider) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	out, err := p.client.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     aws.String(keyID),
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, mapAWSError(err)
	}
	return out.CiphertextBlob, nil
}

func (p *AWSProvider) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &awskms.DecryptInput{
		KeyId:          aws.String(keyID),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, mapAWSError(err)
	}
	return out.Plaintext, nil
}

func (p *AWSProvider) GetPublicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	out, err := p.client.GetPublicKey(ctx, &awskms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, mapAWSError(err)
	}
	return x509.ParsePKIXPublicKey(out.PublicKey)
}

func (p *AWSProvider) RotateKey(ctx context.Context, keyID string) (*KeyMetadata, error) {
	_, err := p.client.RotateKeyOnDemand(ctx, &awskms.RotateKeyOnDemandInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, mapAWSError(err)
	}
	return p.GetKey(ctx, keyID)
}

// --- mapping helpers ---

func awsKeySpec(algo Algorithm) (types.KeySpec, error) {
	switch algo {
	case AlgorithmRSA2048:
		return types.KeySpecRsa2048, nil
	case AlgorithmRSA4096:
		return types.KeySpecRsa4096, nil
	case AlgorithmECP256:
		return types.KeySpecEccNistP256, nil
	case AlgorithmECP384:
		return types.KeySpecEccNistP384, nil
	case AlgorithmAES256:
		return types.KeySpecSymmetricDefault, nil
	case AlgorithmED25519:
		return "", fmt.Errorf("%w: AWS KMS has no Ed25519 key spec", ErrUnsupported)
	default:
		return "", ErrWeakAlgorithm
	}
}

func awsKeyUsage(usage KeyUsage) types.KeyUsageType {
	switch usage {
	case UsageSignVerify:
		return types.KeyUsageTypeSignVerify
	default:
		return types.KeyUsageTypeEncryptDecrypt
	}
}

func awsSigningAlgorithm(algo Algorithm) (types.SigningAlgorithmSpec, error) {
	switch algo {
	case AlgorithmECP256:
		return types.SigningAlgorithmSpecEcdsaSha256, nil
	case AlgorithmECP384:
		return types.SigningAlgorithmSpecEcdsaSha384, nil
	case AlgorithmRSA2048, AlgorithmRSA4096:
		return types.SigningAlgorithmSpecRsassaPkcs1V15Sha256, nil
	default:
		return "", ErrAlgorithmMismatch
	}
}

func awsMessageType(mt MessageType) types.MessageType {
	if mt == MessageDigest {
		return types.MessageTypeDigest
	}
	return types.MessageTypeRaw
}

func awsMetadata(md *types.KeyMetadata, alias string) KeyMetadata {
	meta := KeyMetadata{
		KeyID:    aws.ToString(md.KeyId),
		Alias:    alias,
		Provider: awsProviderName,
	}
	if md.Arn != nil {
		meta.ResourceRef = *md.Arn
	}
	if md.CreationDate != nil {
		meta.CreatedAt = *md.CreationDate
	}
	if md.DeletionDate != nil {
		meta.DeletionDate = md.DeletionDate
	}

	switch md.KeySpec {
	case types.KeySpecRsa2048:
		meta.Algorithm = AlgorithmRSA2048
	case types.KeySpecRsa4096:
		meta.Algorithm = AlgorithmRSA4096
	case types.KeySpecEccNistP256:
		meta.Algorithm = AlgorithmECP256
	case types.KeySpecEccNistP384:
		meta.Algorithm = AlgorithmECP384
	case types.KeySpecSymmetricDefault:
		meta.Algorithm = AlgorithmAES256
	}

	if md.KeyUsage == types.KeyUsageTypeSignVerify {
		meta.Usage = UsageSignVerify
	} else {
		meta.Usage = UsageEncryptDecrypt
	}

	switch md.KeyState {
	case types.KeyStateEnabled:
		meta.State = StateEnabled
	case types.KeyStateDisabled:
		meta.State = StateDisabled
	case types.KeyStatePendingDeletion:
		meta.State = StatePendingDeletion
	default:
		meta.State = StateDisabled
	}
	return meta
}

func mapAWSError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return ErrKeyNotFound
	}
	var disabled *types.DisabledException
	if errors.As(err, &disabled) {
		return ErrKeyDisabled
	}
	var invalidState *types.KMSInvalidStateException
	if errors.As(err, &invalidState) {
		return fmt.Errorf("%w: %s", ErrKeyDisabled, aws.ToString(invalidState.Message))
	}
	return err
}
