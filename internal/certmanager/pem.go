package certmanager

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// encodePEM renders a leaf-first DER chain and its private key as PEM text
// suitable for storage and later use by the reverse proxy's TLS resolver.
func encodePEM(der [][]byte, leafKey *ecdsa.PrivateKey) (certPEM, keyPEM string, err error) {
	var certBuf []byte
	for _, block := range der {
		certBuf = append(certBuf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: block})...)
	}

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return "", "", fmt.Errorf("marshaling private key: %w", err)
	}
	keyBuf := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return string(certBuf), string(keyBuf), nil
}
