package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultKeyBits is the RSA modulus size used by GenerateKey
const DefaultKeyBits = 2048

// GenerateKey creates a new RSA signing key. bits below 2048 are raised to
// 2048.
func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	if bits < DefaultKeyBits {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// LoadPrivateKeyPEM parses a PKCS#1 or PKCS#8 RSA private key.
func LoadPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RSA private key: %w", err)
	}
	if key.N.BitLen() < DefaultKeyBits {
		return nil, fmt.Errorf("RSA key too small: %d bits (minimum %d)", key.N.BitLen(), DefaultKeyBits)
	}
	return key, nil
}

// LoadPrivateKeyFile reads a PEM key from disk.
func LoadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return LoadPrivateKeyPEM(data)
}
