package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/piprate/json-gold/ld"
)

// Linked-Data signatures (RsaSignature2017) authenticate a JSON-LD document
// independent of HTTP headers. Consulted only when no Signature header is
// present at all, never as a fallback from a failed HTTP signature.

var (
	ErrNoLDSignature  = errors.New("document has no linked-data signature")
	ErrBadLDSignature = errors.New("linked-data signature verification failed")
)

const ldSignatureType = "RsaSignature2017"
const securityContext = "https://w3id.org/security/v1"

// normalizeDoc produces the URDNA2015 N-Quads serialization of a JSON-LD
// document and returns its SHA-256 hex digest.
func normalizeDoc(doc map[string]any) (string, error) {
	proc := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Algorithm = ld.AlgorithmURDNA2015
	opts.Format = "application/n-quads"
	opts.DocumentLoader = offlineContextLoader{}

	normalized, err := proc.Normalize(doc, opts)
	if err != nil {
		return "", fmt.Errorf("rdf normalization: %w", err)
	}
	quads, ok := normalized.(string)
	if !ok {
		return "", fmt.Errorf("rdf normalization: unexpected result type")
	}

	sum := sha256.Sum256([]byte(quads))
	return hex.EncodeToString(sum[:]), nil
}

// ldSignatureMessage builds the signed message: the digest of the signature
// options document concatenated with the digest of the signature-stripped
// payload.
func ldSignatureMessage(doc map[string]any, creator, created string) ([]byte, error) {
	options := map[string]any{
		"@context": securityContext,
		"creator":  creator,
		"created":  created,
	}

	optionsHash, err := normalizeDoc(options)
	if err != nil {
		return nil, err
	}
	docHash, err := normalizeDoc(doc)
	if err != nil {
		return nil, err
	}

	return []byte(optionsHash + docHash), nil
}

// VerifyLDSignature pops the signature block from the document, checks its
// type and verifies the RSA signature over the normalized hashes against the
// actor's public key. The document is not mutated.
func VerifyLDSignature(doc JSONObject, publicKeyPem string) error {
	sigBlock, ok := doc.Object("signature")
	if !ok {
		return ErrNoLDSignature
	}
	if sigBlock.Str("type") != ldSignatureType {
		return fmt.Errorf("%w: unsupported type %q", ErrBadLDSignature, sigBlock.Str("type"))
	}

	sig, err := base64.StdEncoding.DecodeString(sigBlock.Str("signatureValue"))
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadLDSignature)
	}

	stripped := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "signature" {
			continue
		}
		stripped[k] = v
	}

	message, err := ldSignatureMessage(stripped, sigBlock.Str("creator"), sigBlock.Str("created"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadLDSignature, err)
	}

	pubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}

	hashed := sha256.Sum256(message)
	if err := rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, hashed[:], sig); err != nil {
		return ErrBadLDSignature
	}
	return nil
}

// SignLDSignature attaches an RsaSignature2017 block to the activity. Used
// on outbound announces so peers that verify bodies rather than transport
// headers can still authenticate them.
func SignLDSignature(doc map[string]any, privateKey *rsa.PrivateKey, creatorKeyId string) (map[string]any, error) {
	created := time.Now().UTC().Format(time.RFC3339)

	message, err := ldSignatureMessage(doc, creatorKeyId, created)
	if err != nil {
		return nil, err
	}

	hashed := sha256.Sum256(message)
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("ld signing: %w", err)
	}

	signed := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		signed[k] = v
	}
	signed["signature"] = map[string]any{
		"type":           ldSignatureType,
		"creator":        creatorKeyId,
		"created":        created,
		"signatureValue": base64.StdEncoding.EncodeToString(sig),
	}
	return signed, nil
}
