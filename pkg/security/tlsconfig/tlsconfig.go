// Package tlsconfig builds the (m)TLS configuration of the ClusterAPI server
// and client from PEM files. Certificates are re-read from disk so they can be
// rotated without a restart.
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

// DefaultReload is how long a loaded key pair is reused before the files are read again.
const DefaultReload = 10 * time.Second

// Options are the TLS inputs of a node. With CAFile set the server requires
// and verifies client certificates (mTLS) and the client verifies the server
// against that CA only.
type Options struct {
    Enable             bool          `yaml:"enable"`
    CAFile             string        `yaml:"caFile"`
    CertFile           string        `yaml:"certFile"`
    KeyFile            string        `yaml:"keyFile"`
    ServerName         string        `yaml:"serverName"`
    InsecureSkipVerify bool          `yaml:"insecureSkipVerify"`
    Reload             time.Duration `yaml:"reload"`

    now func() time.Time
}

// Server returns the server configuration, nil when TLS is disabled.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tlsconfig: server certFile and keyFile are required") }
    kp := o.loader()
    if _, err := kp.get(); err != nil { return nil, err }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs, cfg.ClientAuth = pool, tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns the client configuration, nil when TLS is disabled. The
// client certificate is optional unless the server demands one.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        kp := o.loader()
        if _, err := kp.get(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return kp.get() }
    }
    return cfg, nil
}

func (o Options) loader() *keyPair {
    ttl := o.Reload
    if ttl <= 0 { ttl = DefaultReload }
    now := o.now
    if now == nil { now = time.Now }
    return &keyPair{certFile: o.CertFile, keyFile: o.KeyFile, ttl: ttl, now: now}
}

// keyPair caches a certificate for ttl. A failed reload keeps serving the
// previous certificate so a half-written rotation does not break handshakes.
type keyPair struct {
    certFile, keyFile string
    ttl               time.Duration
    now               func() time.Time

    mu     sync.Mutex
    cert   *tls.Certificate
    loaded time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
    k.mu.Lock()
    defer k.mu.Unlock()
    now := k.now()
    if k.cert != nil && now.Sub(k.loaded) < k.ttl { return k.cert, nil }
    cert, err := tls.LoadX509KeyPair(k.certFile, k.keyFile)
    if err != nil {
        if k.cert != nil { return k.cert, nil }
        return nil, fmt.Errorf("tlsconfig: load key pair: %w", err)
    }
    k.cert, k.loaded = &cert, now
    return k.cert, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, fmt.Errorf("tlsconfig: read CA: %w", err) }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, fmt.Errorf("tlsconfig: no certificate found in %s", path) }
    return pool, nil
}
