// Package operator issues the SUBSCRIBE call against a Mesos-style
// operator API and exposes the streamed response body to the Mirror,
// following the same http.Client/RoundTripper construction the teacher's
// mesos input plugin uses.
package operator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/DominikDary/dcos-net/internal/config"
	"github.com/DominikDary/dcos-net/internal/dcosutil"
	"github.com/DominikDary/dcos-net/internal/mirror"
)

const subscribeBody = `{"type":"SUBSCRIBE"}`

// Client issues the operator SUBSCRIBE call over plain http, rotating
// through the configured master list and carrying IAM auth built by
// dcosutil.DCOSConfig when an IAM config path is set.
type Client struct {
	httpClient *http.Client
	masters    []string
	userAgent  string
	next       int
}

// New builds a Client from cfg, following createHttpClient's TLS-vs-IAM
// branching: an IAM config path builds the full round-tripper (using the
// CA bundle, if one is configured), otherwise a plain proxy-aware
// transport is used. The CA bundle has no effect without an IAM config
// path.
func New(cfg *config.Config, userAgent string) (*Client, error) {
	if userAgent == "" {
		userAgent = "dcos-dns"
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	rt := dcosutil.NewRoundTripper(transport, userAgent)

	if cfg.IamConfigPath != "" {
		dcfg := dcosutil.DCOSConfig{
			CACertificatePath: cfg.CACertificatePath,
			IamConfigPath:     cfg.IamConfigPath,
		}
		iamTransport, err := dcfg.Transport()
		if err != nil {
			return nil, fmt.Errorf("operator: building IAM transport: %w", err)
		}
		rt = dcosutil.NewRoundTripper(iamTransport, userAgent)
	}

	return &Client{
		httpClient: &http.Client{Transport: rt},
		masters:    append([]string{}, cfg.MesosMasters...),
		userAgent:  userAgent,
	}, nil
}

// Connect implements mirror.Connector: it issues SUBSCRIBE against the
// next candidate master, follows spec's rule that a 307 means "not
// leader" (silent backoff+retry upstream), and on success returns the
// live response body for the Framing Decoder to consume.
func (c *Client) Connect(ctx context.Context) (io.ReadCloser, error) {
	if len(c.masters) == 0 {
		return nil, fmt.Errorf("operator: no mesos_masters configured")
	}

	master := c.masters[c.next%len(c.masters)]
	c.next++

	url := fmt.Sprintf("http://%s/api/v1", master)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(subscribeBody))
	if err != nil {
		return nil, fmt.Errorf("operator: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("operator: connecting to %s: %w", master, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusTemporaryRedirect, http.StatusMovedPermanently:
		resp.Body.Close()
		return nil, mirror.ErrNotLeader
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("operator: master %s returned %s", master, resp.Status)
	}
}
