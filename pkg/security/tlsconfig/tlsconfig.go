// Package tlsconfig builds mTLS configs for the management transports.
// Certificates are re-read from disk on handshake so operators can rotate
// them in place.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// Options defines mTLS configuration inputs.
type Options struct {
    Enable             bool   `yaml:"enable"`
    CAFile             string `yaml:"caFile"`
    CertFile           string `yaml:"certFile"`
    KeyFile            string `yaml:"keyFile"`
    InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
    ServerName         string `yaml:"serverName"`
    // ReloadEvery bounds how long a loaded key pair is reused. Defaults to 10s.
    ReloadEvery time.Duration `yaml:"reloadEvery"`
}

func (o Options) pool() (*x509.CertPool, error) {
    if o.CAFile == "" { return nil, nil }
    pem, err := os.ReadFile(o.CAFile)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tls: no certificates in %s", o.CAFile) }
    return pool, nil
}

// keyPair caches the certificate and reloads it after ttl.
type keyPair struct {
    cert, key string
    ttl       time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    at     time.Time
}

func (k *keyPair) load() (*tls.Certificate, error) {
    k.mu.Lock(); defer k.mu.Unlock()
    if k.cached != nil && time.Since(k.at) < k.ttl { return k.cached, nil }
    c, err := tls.LoadX509KeyPair(k.cert, k.key)
    if err != nil {
        if k.cached != nil { return k.cached, nil }
        return nil, err
    }
    k.cached, k.at = &c, time.Now()
    return k.cached, nil
}

func (o Options) keyPair() (*keyPair, error) {
    ttl := o.ReloadEvery
    if ttl <= 0 { ttl = 10 * time.Second }
    kp := &keyPair{cert: o.CertFile, key: o.KeyFile, ttl: ttl}
    if _, err := kp.load(); err != nil { return nil, err }
    return kp, nil
}

// Server returns a server tls.Config, or nil when TLS is disabled. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tls: server cert/key required when TLS enabled") }
    kp, err := o.keyPair()
    if err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.load() }
    pool, err := o.pool()
    if err != nil { return nil, err }
    if pool != nil {
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns a client tls.Config, or nil when TLS is disabled.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    pool, err := o.pool()
    if err != nil { return nil, err }
    cfg.RootCAs = pool
    if o.CertFile != "" && o.KeyFile != "" {
        kp, err := o.keyPair()
        if err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.load() }
    }
    return cfg, nil
}
