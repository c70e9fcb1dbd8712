// Package auth signs venue requests with RSA-PSS.
//
// The signed message is timestamp_ms + METHOD + path, hashed with SHA-256.
// The same scheme authenticates REST calls and the WebSocket handshake.
package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Header names
const (
	HeaderKey       = "X-Access-Key"
	HeaderTimestamp = "X-Access-Timestamp"
	HeaderSignature = "X-Access-Signature"
)

// Credentials holds the API key and private key for signing requests.
type Credentials struct {
	KeyID      string          // API key ID issued by the venue
	PrivateKey *rsa.PrivateKey // RSA private key for signing

	now func() time.Time
}

// LoadCredentials loads credentials from key ID and private key file path.
func LoadCredentials(keyID, privateKeyPath string) (*Credentials, error) {
	if keyID == "" {
		return nil, errors.New("API key ID is required")
	}
	if privateKeyPath == "" {
		return nil, errors.New("private key path is required")
	}

	privateKey, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	return &Credentials{
		KeyID:      keyID,
		PrivateKey: privateKey,
	}, nil
}

// LoadPrivateKey loads an RSA private key from a PEM file.
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	// PKCS#8 first, then PKCS#1
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not an RSA private key")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return rsaKey, nil
}

// Sign returns authentication headers for a request. path excludes the host
// and includes any query string.
func (c *Credentials) Sign(method, path string) (http.Header, error) {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ts := now().UnixMilli()

	signature, err := c.signature(ts, method, path)
	if err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set(HeaderKey, c.KeyID)
	h.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	h.Set(HeaderSignature, signature)
	return h, nil
}

// WebSocketHeader signs a GET of the stream URL's path. Its signature matches
// connection.HeaderFunc.
func (c *Credentials) WebSocketHeader(rawURL string) (http.Header, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return c.Sign(http.MethodGet, path)
}

func (c *Credentials) signature(ts int64, method, path string) (string, error) {
	hashed := sha256.Sum256([]byte(strconv.FormatInt(ts, 10) + method + path))

	sig, err := rsa.SignPSS(
		rand.Reader,
		c.PrivateKey,
		crypto.SHA256,
		hashed[:],
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash},
	)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign against the public half of the key.
func Verify(pub *rsa.PublicKey, ts int64, method, path, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	hashed := sha256.Sum256([]byte(strconv.FormatInt(ts, 10) + method + path))
	return rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sig, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}
