package config

import (
	"crypto/ed25519"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// TLSConfig builds the server TLS configuration from the certificate and key
// material named in the config. The key may live in the certificate file
// (combined PEM) and may be passphrase protected.
func (c *Config) TLSConfig() (*tls.Config, error) {
	cert, err := loadCertificate(c.SSLCertificate, c.SSLCertificateKey, c.SSLPassword)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:   c.tlsMinVersion(),
		Certificates: []tls.Certificate{cert},
	}, nil
}

func (c *Config) tlsMinVersion() uint16 {
	if c.SSLMinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

func loadCertificate(certPath, keyPath, password string) (tls.Certificate, error) {
	if keyPath == "" {
		keyPath = certPath
	}

	if password == "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load tls keypair: %w", err)
		}
		return cert, nil
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read tls certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("read tls key: %w", err)
	}

	key, err := ssh.ParseRawPrivateKeyWithPassphrase(keyPEM, []byte(password))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("decrypt tls key: %w", err)
	}
	if k, ok := key.(*ed25519.PrivateKey); ok {
		key = *k
	}

	cert := tls.Certificate{PrivateKey: key}
	for block, rest := pem.Decode(certPEM); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, fmt.Errorf("no certificate found in %s", certPath)
	}
	return cert, nil
}
