package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"

	"github.com/pikefed/pikefed/domain"
)

var (
	ErrNoSignature      = errors.New("no signature header")
	ErrUnknownAlgorithm = errors.New("unknown signature algorithm")
	ErrDigestMismatch   = errors.New("digest does not match body")
	ErrDateTooOld       = errors.New("date header outside clock-skew tolerance")
	ErrBadSignature     = errors.New("signature verification failed")
)

// maxDateSkew is how stale a signed Date header may be before the request is
// treated as a replay.
const maxDateSkew = time.Hour

// SignRequest signs an outgoing POST with the given private key. The body is
// needed to compute the Digest header the signature covers.
// keyId format: "https://example.com/u/alice#main-key"
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string, body []byte) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, body)
}

// SignGetRequest signs an outgoing GET (authenticated fetch). No digest:
// there is no body to cover.
func SignGetRequest(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{"(request-target)", "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	return signer.SignRequest(privateKey, keyId, req, nil)
}

// ParseSignatureHeader splits a Signature header into its components so the
// caller can attribute the request to an actor before verification runs.
func ParseSignatureHeader(header string) (domain.SignatureDetails, error) {
	details := domain.SignatureDetails{}
	if header == "" {
		return details, ErrNoSignature
	}

	for _, part := range splitSignatureParts(header) {
		eq := strings.IndexByte(part, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(part[:eq])
		val := strings.Trim(strings.TrimSpace(part[eq+1:]), `"`)
		switch key {
		case "keyId":
			details.KeyId = val
		case "algorithm":
			details.Algorithm = val
		case "headers":
			details.Headers = strings.Fields(val)
		case "signature":
			sig, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return details, fmt.Errorf("%w: bad signature encoding", ErrBadSignature)
			}
			details.Signature = sig
		}
	}

	if details.KeyId == "" || len(details.Signature) == 0 {
		return details, fmt.Errorf("%w: incomplete header", ErrBadSignature)
	}
	return details, nil
}

// splitSignatureParts splits on commas outside quoted values; base64
// signatures may not contain commas but quoted header lists do contain
// spaces, so a naive strings.Split on `","` boundaries is not enough.
func splitSignatureParts(header string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range header {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// VerifyOptions tunes VerifyRequest. SkipDateCheck is for callers that
// deliberately accept old documents (e.g. forwarded objects).
type VerifyOptions struct {
	SkipDateCheck bool
}

// VerifyRequest verifies the HTTP signature on an incoming request against
// the actor's public key. The body is passed separately because the request
// body has usually been consumed by the time verification runs. Returns the
// keyId's actor URI on success.
//
// Only rsa-sha256 and its opaque hs2019 alias are accepted; anything else is
// rejected before the signature math runs. If a Digest header is present it
// is independently checked against SHA-256 of the body. If a Date header is
// present its age must be within the clock-skew tolerance.
func VerifyRequest(req *http.Request, publicKeyPem string, body []byte, opts VerifyOptions) (string, error) {
	details, err := ParseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return "", err
	}

	switch details.Algorithm {
	case "", "rsa-sha256", "hs2019":
		// hs2019 is treated as an opaque alias of rsa-sha256
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, details.Algorithm)
	}

	if digest := req.Header.Get("Digest"); digest != "" {
		if err := checkDigest(digest, body); err != nil {
			return "", err
		}
	}

	if date := req.Header.Get("Date"); date != "" && !opts.SkipDateCheck {
		if err := checkDate(date); err != nil {
			return "", err
		}
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	rsaPubKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	if err := verifier.Verify(rsaPubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	return details.ActorURI(), nil
}

func checkDigest(header string, body []byte) error {
	// Digest: SHA-256=<base64>
	val := header
	if eq := strings.IndexByte(header, '='); eq >= 0 {
		algo := strings.ToUpper(header[:eq])
		if algo != "SHA-256" {
			return fmt.Errorf("%w: unsupported digest algorithm", ErrDigestMismatch)
		}
		val = header[eq+1:]
	}

	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(want), []byte(val)) != 1 {
		return ErrDigestMismatch
	}
	return nil
}

func checkDate(header string) error {
	t, err := http.ParseTime(header)
	if err != nil {
		return fmt.Errorf("%w: unparseable date", ErrDateTooOld)
	}
	age := time.Since(t)
	if age < 0 {
		age = -age
	}
	if age > maxDateSkew {
		return ErrDateTooOld
	}
	return nil
}

// ParsePrivateKey converts PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
