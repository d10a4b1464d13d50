package dcosutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/dcos/dcos-go/dcos/http/transport"
)

// DCOSConfig carries the credential material shared by every operator-API
// client: an optional CA bundle and an optional IAM service-account config.
// Mirrors the CACertificatePath/IamConfigPath pair dcos_metadata.go and
// mesos.go each configured by hand.
type DCOSConfig struct {
	CACertificatePath string
	IamConfigPath     string
}

// Transport builds an http.RoundTripper reflecting the configured levels of
// TLS and IAM authentication.
func (c DCOSConfig) Transport() (http.RoundTripper, error) {
	var tr *http.Transport
	var err error

	if c.CACertificatePath != "" {
		if tr, err = tlsTransport(c.CACertificatePath); err != nil {
			return nil, err
		}
	} else {
		tr = &http.Transport{}
	}

	if c.IamConfigPath == "" {
		return tr, nil
	}

	rt, err := transport.NewRoundTripper(tr, transport.OptionReadIAMConfig(c.IamConfigPath))
	if err != nil {
		return nil, fmt.Errorf("dcosutil: building IAM round-tripper: %w", err)
	}
	return rt, nil
}

// tlsTransport returns an *http.Transport trusting the CA bundle at path, or
// skipping verification entirely when no path is given.
func tlsTransport(caCertificatePath string) (*http.Transport, error) {
	tr := &http.Transport{}

	if caCertificatePath == "" {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		return tr, nil
	}

	pool, err := loadCAPool(caCertificatePath)
	if err != nil {
		return tr, err
	}
	tr.TLSClientConfig = &tls.Config{RootCAs: pool}
	return tr, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.New("dcosutil: failed to parse CA certificate")
	}
	return pool, nil
}
