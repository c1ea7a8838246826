package transport_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/updatekit/omaha/testutil"
	"github.com/updatekit/omaha/transport"
)

func TestClient_Post(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	payload := []byte(`<request protocol="3.0"/>`)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, int64(len(payload)), r.ContentLength, "length must be known up front")
		assert.Equal(t, "42", r.Header.Get("X-RequestAge"))

		got, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, payload, got)

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`<response protocol="3.0"/>`))
	}))
	defer srv.Close()

	c := transport.New(transport.Options{})
	headers := http.Header{}
	headers.Set("X-RequestAge", "42")
	body, err := c.Post(ctx, srv.URL, payload, headers)
	require.NoError(t, err)
	require.Equal(t, `<response protocol="3.0"/>`, string(body))
}

func TestClient_PostServerError(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := transport.New(transport.Options{})
	_, err := c.Post(ctx, srv.URL, []byte("x"), nil)
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, xerrors.As(err, &terr))
	require.Equal(t, transport.KindServer, terr.Kind)
	require.Equal(t, http.StatusInternalServerError, terr.Status)
}

func TestClient_PostNetworkError(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)

	// A server that is immediately closed leaves a port nothing listens on.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := transport.New(transport.Options{})
	_, err := c.Post(ctx, url, []byte("x"), nil)
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, xerrors.As(err, &terr))
	require.Equal(t, transport.KindNetwork, terr.Kind)
	require.NotNil(t, terr.Unwrap())
}

func TestClient_PostMalformedURL(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	c := transport.New(transport.Options{})
	_, err := c.Post(ctx, "not a url", []byte("x"), nil)
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, xerrors.As(err, &terr))
	require.Equal(t, transport.KindMalformedURL, terr.Kind)
}

func TestClient_PostTimeout(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := transport.New(transport.Options{Timeout: 50 * time.Millisecond})
	_, err := c.Post(ctx, srv.URL, []byte("x"), nil)
	require.Error(t, err)

	var terr *transport.Error
	require.True(t, xerrors.As(err, &terr))
	require.Equal(t, transport.KindNetwork, terr.Kind)
}
