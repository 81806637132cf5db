package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// EncryptCredential produces the provider's SecurityCredential: the
// initiator password encrypted with the provider's public certificate
// (RSA PKCS#1 v1.5) and base64 encoded.
func EncryptCredential(certPEM []byte, password string) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("certificate key is not RSA")
	}
	sealed, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(password))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt initiator password: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// LoadCredential reads the certificate at path and encrypts password with it.
func LoadCredential(path, password string) (string, error) {
	certPEM, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read provider certificate: %w", err)
	}
	return EncryptCredential(certPEM, password)
}
