package statuslist

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/canonicalize"
	"github.com/s8ken/SYMBI-Symphony-sub005/pkg/kms"
)

var (
	ErrNoSigner             = errors.New("statuslist: no signing key configured")
	ErrUnsupportedProofType = errors.New("statuslist: unsupported proof type")
	ErrSignatureInvalid     = errors.New("statuslist: credential proof does not verify")
)

// Proof is a linked-data proof over the canonicalized credential.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

// CredentialSubject carries the encoded bitstring.
type CredentialSubject struct {
	ID            string  `json:"id"`
	Type          string  `json:"type"`
	StatusPurpose Purpose `json:"statusPurpose"`
	EncodedList   string  `json:"encodedList"`
}

// Credential is a W3C StatusList 2021 verifiable credential.
type Credential struct {
	Context           []string          `json:"@context"`
	ID                string            `json:"id"`
	Type              []string          `json:"type"`
	Issuer            string            `json:"issuer"`
	IssuanceDate      string            `json:"issuanceDate"`
	CredentialSubject CredentialSubject `json:"credentialSubject"`
	Proof             *Proof            `json:"proof,omitempty"`
}

const (
	contextCredentials = "https://www.w3.org/2018/credentials/v1"
	contextStatusList  = "https://w3id.org/vc/status-list/2021/v1"
)

// proofTypeFor maps a signing key algorithm to its linked-data proof type.
func proofTypeFor(algo kms.Algorithm) (string, error) {
	switch algo {
	case kms.AlgorithmED25519:
		return "Ed25519Signature2020", nil
	case kms.AlgorithmECP256:
		return "EcdsaSecp256r1Signature2019", nil
	case kms.AlgorithmECP384:
		return "EcdsaSecp384r1Signature2019", nil
	case kms.AlgorithmRSA2048, kms.AlgorithmRSA4096:
		return "RsaSignature2018", nil
	default:
		return "", ErrUnsupportedProofType
	}
}

// GenerateCredential builds and signs the StatusList 2021 credential for a
// list. The proof is the KMS signature over the JCS canonical form of the
// credential without its proof.
func (s *Store) GenerateCredential(ctx context.Context, id string) (*Credential, error) {
	if s.provider == nil || s.signingKeyID == "" {
		return nil, ErrNoSigner
	}

	ls, err := s.list(id)
	if err != nil {
		return nil, err
	}

	ls.mu.RLock()
	encoded, err := ls.bits.Encoded()
	issuer := ls.issuer
	purpose := ls.purpose
	credURL := ls.credentialURL()
	ls.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	cred := &Credential{
		Context:      []string{contextCredentials, contextStatusList},
		ID:           credURL,
		Type:         []string{"VerifiableCredential", "StatusList2021Credential"},
		Issuer:       issuer,
		IssuanceDate: s.now().Format(time.RFC3339),
		CredentialSubject: CredentialSubject{
			ID:            credURL + "#list",
			Type:          "StatusList2021",
			StatusPurpose: purpose,
			EncodedList:   encoded,
		},
	}

	meta, err := s.provider.GetKey(ctx, s.signingKeyID)
	if err != nil {
		return nil, err
	}
	proofType, err := proofTypeFor(meta.Algorithm)
	if err != nil {
		return nil, err
	}

	payload, err := canonicalize.JCS(cred)
	if err != nil {
		return nil, err
	}
	signature, err := s.provider.Sign(ctx, s.signingKeyID, payload, kms.MessageRaw)
	if err != nil {
		return nil, err
	}

	cred.Proof = &Proof{
		Type:               proofType,
		Created:            s.now().Format(time.RFC3339),
		VerificationMethod: s.verificationMethod,
		ProofPurpose:       "assertionMethod",
		ProofValue:         base64.StdEncoding.EncodeToString(signature),
	}
	return cred, nil
}

// VerifyCredential checks a credential's proof against the store's signing key.
func (s *Store) VerifyCredential(ctx context.Context, cred *Credential) error {
	if s.provider == nil || s.signingKeyID == "" {
		return ErrNoSigner
	}
	if cred.Proof == nil {
		return ErrSignatureInvalid
	}

	signature, err := base64.StdEncoding.DecodeString(cred.Proof.ProofValue)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	unsigned := *cred
	unsigned.Proof = nil
	payload, err := canonicalize.JCS(&unsigned)
	if err != nil {
		return err
	}

	ok, err := s.provider.Verify(ctx, s.signingKeyID, payload, signature, kms.MessageRaw)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}
