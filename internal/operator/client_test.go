package operator

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DominikDary/dcos-net/internal/config"
	"github.com/DominikDary/dcos-net/internal/mirror"
)

func TestClient_ConnectStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, subscribeBody, string(body))
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.MesosMasters = []string{srv.Listener.Addr().String()}
	c, err := New(cfg, "")
	require.NoError(t, err)

	body, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestClient_ConnectReturnsErrNotLeaderOn307(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://other-master/api/v1", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.MesosMasters = []string{srv.Listener.Addr().String()}
	c, err := New(cfg, "")
	require.NoError(t, err)
	c.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	_, err = c.Connect(context.Background())
	assert.ErrorIs(t, err, mirror.ErrNotLeader)
}
