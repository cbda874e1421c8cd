package tlsconfig

import (
	"crypto/tls"
	"sync"
)

// CertReloader loads and reloads a TLS certificate from a filepath pair.
// Hooks into tls.Config's GetCertificate so a server can rotate its
// certificate without restarting.
type CertReloader struct {
	mu          sync.Mutex
	certificate *tls.Certificate
	certPath    string
	keyPath     string
}

// NewCertReloader builds a CertReloader, loading the certificate once up
// front so a misconfigured path fails at startup rather than on first
// handshake.
func NewCertReloader(certPath, keyPath string) (*CertReloader, error) {
	cr := &CertReloader{certPath: certPath, keyPath: keyPath}
	if err := cr.Reload(); err != nil {
		return nil, err
	}
	return cr, nil
}

// Cert implements tls.Config.GetCertificate, returning the certificate
// most recently loaded by Reload.
func (cr *CertReloader) Cert(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.certificate, nil
}

// Reload re-reads the certificate and key from disk. The previous
// certificate is kept in place if the new one fails to parse, so a bad
// rotation never takes a running server offline.
func (cr *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(cr.certPath, cr.keyPath)
	if err != nil {
		return err
	}
	cr.mu.Lock()
	cr.certificate = &cert
	cr.mu.Unlock()
	return nil
}
