// Package certs resolves the TLS certificate presented to a remote client
// for the common name it requested in its handshake header.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable means no certificate could be found or made for a name.
var ErrUnavailable = errors.New("certificate unavailable")

// selfSignedLifetime is the validity of synthesized certificates.
const selfSignedLifetime = 365 * 24 * time.Hour

// Cert is a usable key pair plus the PEM chain sent in the HOST_CERT frame.
type Cert struct {
	TLS tls.Certificate
	PEM []byte
}

// Resolver looks up certificates by common name.
type Resolver interface {
	Resolve(commonName string) (*Cert, error)
}

// Store resolves certificates from disk, in order:
//
//  1. <Dir>/<name>.chain.pem with <Dir>/<name>.key.pem
//  2. the default ChainFile / KeyFile pair
//  3. a synthesized self-signed certificate, when SelfSigned is set
//
// Results are cached per name.
type Store struct {
	Dir        string
	ChainFile  string
	KeyFile    string
	SelfSigned bool

	mu    sync.Mutex
	cache map[string]*Cert
}

// Resolve implements Resolver.
func (s *Store) Resolve(commonName string) (*Cert, error) {
	name := strings.ToLower(strings.TrimSpace(commonName))
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, fmt.Errorf("%w: invalid common name %q", ErrUnavailable, commonName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.cache[name]; ok {
		return c, nil
	}

	c, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	if s.cache == nil {
		s.cache = make(map[string]*Cert)
	}
	s.cache[name] = c
	return c, nil
}

func (s *Store) resolve(name string) (*Cert, error) {
	if s.Dir != "" && name != "" {
		chain := filepath.Join(s.Dir, name+".chain.pem")
		key := filepath.Join(s.Dir, name+".key.pem")
		if exists(chain) && exists(key) {
			return Load(chain, key)
		}
	}
	if s.ChainFile != "" && s.KeyFile != "" && exists(s.ChainFile) && exists(s.KeyFile) {
		return Load(s.ChainFile, s.KeyFile)
	}
	if s.SelfSigned {
		if name == "" {
			name = "localhost"
		}
		return SelfSigned(name, time.Now())
	}
	return nil, fmt.Errorf("%w: no certificate for %q", ErrUnavailable, name)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Load reads a PEM chain and its private key.
func Load(chainFile, keyFile string) (*Cert, error) {
	chainPEM, err := os.ReadFile(chainFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read chain: %v", ErrUnavailable, err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %v", ErrUnavailable, err)
	}
	pair, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Cert{TLS: pair, PEM: chainPEM}, nil
}

// SelfSigned synthesizes an ECDSA P-256 certificate for name.
func SelfSigned(name string, now time.Time) (*Cert, error) {
	chainPEM, keyPEM, err := generate(name, now)
	if err != nil {
		return nil, err
	}
	pair, err := tls.X509KeyPair(chainPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("self-signed pair: %w", err)
	}
	return &Cert{TLS: pair, PEM: chainPEM}, nil
}

// WriteSelfSigned writes a synthesized pair to disk with owner-only
// permissions on the key.
func WriteSelfSigned(chainFile, keyFile, name string) error {
	chainPEM, keyPEM, err := generate(name, time.Now())
	if err != nil {
		return err
	}
	if err := os.WriteFile(chainFile, chainPEM, 0o644); err != nil {
		return fmt.Errorf("write chain: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

func generate(name string, now time.Time) (chainPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name, Organization: []string{"MRCI"}},
		DNSNames:              []string{name},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	chainPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return chainPEM, keyPEM, nil
}
