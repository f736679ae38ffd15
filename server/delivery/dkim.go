package delivery

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/migadu/trove/config"
)

var dkimHeaderKeys = []string{
	"from",
	"to",
	"cc",
	"subject",
	"date",
	"message-id",
	"in-reply-to",
	"references",
	"mime-version",
	"content-type",
}

// DKIMSigner adds a DKIM-Signature to outbound messages. A nil signer
// passes messages through unchanged.
type DKIMSigner struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewDKIMSigner loads the configured key. It returns nil when signing is
// not configured.
func NewDKIMSigner(cfg config.DKIMConfig) (*DKIMSigner, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("dkim: read key: %w", err)
	}
	key, err := parseSigningKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("dkim: %w", err)
	}
	return &DKIMSigner{domain: cfg.Domain, selector: cfg.Selector, key: key}, nil
}

func NewDKIMSignerWithKey(domain, selector string, key crypto.Signer) *DKIMSigner {
	return &DKIMSigner{domain: domain, selector: selector, key: key}
}

func parseSigningKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case ed25519.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported key type %T", key)
		}
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

func (s *DKIMSigner) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Sign returns raw with a DKIM-Signature header prepended.
func (s *DKIMSigner) Sign(raw []byte) ([]byte, error) {
	if s == nil {
		return raw, nil
	}
	opts := &dkim.SignOptions{
		Domain:     s.domain,
		Selector:   s.selector,
		Signer:     s.key,
		HeaderKeys: dkimHeaderKeys,
	}
	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), opts); err != nil {
		return nil, fmt.Errorf("dkim: sign: %w", err)
	}
	return signed.Bytes(), nil
}
