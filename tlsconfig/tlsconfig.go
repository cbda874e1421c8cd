// Package tlsconfig assembles *tls.Config values for both ends of the
// protocol. It does not re-implement any QUIC/TLS handshake mechanics; it
// only builds config structs for quic-go to consume.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "tuic"

// ClientTLSConfig builds the tls.Config used when dialing the relay.
//
// serverName is required unless skipVerify is set. rootCAPath, when
// non-empty, is a PEM bundle appended to the system root pool; an empty
// rootCAPath means the system pool alone is trusted. skipVerify disables
// certificate verification entirely and is logged as insecure every time
// it's used.
func ClientTLSConfig(serverName, rootCAPath string, skipVerify bool, log *zerolog.Logger) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: skipVerify,
	}

	if skipVerify {
		log.Warn().Msg("certificate verification disabled, connection is not authenticated")
	}

	if rootCAPath != "" {
		pool, err := loadCertPool(rootCAPath)
		if err != nil {
			return nil, fmt.Errorf("loading root CA pool: %w", err)
		}
		cfg.RootCAs = pool
	}

	if cfg.ServerName == "" && !skipVerify {
		return nil, fmt.Errorf("either a server name or skip_cert_verify must be set")
	}

	return cfg, nil
}

// ServerTLSConfig builds the tls.Config used by the listener. The
// certificate is served through a CertReloader so an operator can rotate
// it on disk without restarting the process (SIGHUP or equivalent callers
// invoke Reload).
func ServerTLSConfig(certPath, keyPath string) (*tls.Config, *CertReloader, error) {
	reloader, err := NewCertReloader(certPath, keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		NextProtos:     []string{ALPN},
		GetCertificate: reloader.Cert,
	}
	return cfg, reloader, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
