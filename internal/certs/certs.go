// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package certs loads or generates the self-signed TLS certificate the
// HTTPS server presents. No library anywhere in the retrieval pack wraps
// X.509 self-signed certificate generation — the teacher generates an
// ed25519 SSH host key this way (cmd/catch/catch.go) but never an X.509
// cert — so this is the one ambient concern built directly on
// crypto/rsa + crypto/x509 + encoding/pem rather than a pack dependency.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	keyBits  = 3072
	validFor = 10 * 365 * 24 * time.Hour
)

// LoadOrGenerate returns a certificate for commonName, reading
// {stateDir}/secret.key and {stateDir}/cert.pem if both exist and parse, or
// generating and persisting a fresh self-signed pair otherwise.
func LoadOrGenerate(stateDir, commonName string) (tls.Certificate, error) {
	keyPath := filepath.Join(stateDir, "secret.key")
	certPath := filepath.Join(stateDir, "cert.pem")

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}

	keyPEM, certPEM, err := generate(commonName)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: generate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: write key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("certs: write cert: %w", err)
	}
	return tls.X509KeyPair(certPEM, keyPEM)
}

func generate(commonName string) (keyPEM, certPEM []byte, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return keyPEM, certPEM, nil
}
