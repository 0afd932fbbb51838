package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lightsaber/pkg/logging"
	"github.com/lightsaber/pkg/metrics"
	"github.com/lightsaber/pkg/proximity"
	"github.com/lightsaber/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogPeer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/", r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type stampingTransport struct {
	target string
}

// RoundTrip sends every request to target, so a fixed peer URL like
// http://h:8080 can be used in assertions.
func (s stampingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = "http"
	r.URL.Host = s.target
	return http.DefaultTransport.RoundTrip(r)
}

func TestFetchStampsURLAndType(t *testing.T) {
	peer := catalogPeer(t, http.StatusOK, `[{"manifest":{"name":"A"},"owner":"X"},{"manifest":{"name":"B"},"owner":"Y","type":"hosted"}]`)
	index := proximity.NewIndex(clock.NewMock(), nil)
	c := New(index, Config{HTTPClient: &http.Client{Transport: stampingTransport{target: peer.Listener.Addr().String()}}})

	apps, err := c.Fetch(context.Background(), "P1", "http://h:8080")
	require.NoError(t, err)
	require.Len(t, apps, 2)

	entry, ok := index.Get("P1")
	require.True(t, ok)
	require.Len(t, entry.Apps, 2)
	assert.Equal(t, "A", entry.Apps[0].Name())
	assert.Equal(t, "X", entry.Apps[0].Owner)
	assert.Equal(t, "http://h:8080", entry.Apps[0].URL)
	assert.Equal(t, types.AppTypePackaged, entry.Apps[0].Type)
	assert.Equal(t, types.AppTypeHosted, entry.Apps[1].Type)
}

func TestFetchFailureKeepsStaleEntry(t *testing.T) {
	good := catalogPeer(t, http.StatusOK, `[{"manifest":{"name":"A"},"owner":"X"}]`)

	tests := []struct {
		name    string
		peerURL func(t *testing.T) string
		wantErr error
		result  string
	}{
		{
			name:    "server error",
			peerURL: func(t *testing.T) string { return catalogPeer(t, http.StatusInternalServerError, "boom").URL },
			wantErr: ErrFetchTransport,
			result:  ResultTransport,
		},
		{
			name: "connection refused",
			peerURL: func(t *testing.T) string {
				srv := httptest.NewServer(http.NotFoundHandler())
				srv.Close()
				return srv.URL
			},
			wantErr: ErrFetchTransport,
			result:  ResultTransport,
		},
		{
			name:    "not json",
			peerURL: func(t *testing.T) string { return catalogPeer(t, http.StatusOK, "<html>hi</html>").URL },
			wantErr: ErrFetchMalformedBody,
			result:  ResultMalformed,
		},
		{
			name:    "object instead of array",
			peerURL: func(t *testing.T) string { return catalogPeer(t, http.StatusOK, `{"manifest":{}}`).URL },
			wantErr: ErrFetchMalformedBody,
			result:  ResultMalformed,
		},
		{
			name:    "null element",
			peerURL: func(t *testing.T) string { return catalogPeer(t, http.StatusOK, `[null]`).URL },
			wantErr: ErrFetchMalformedBody,
			result:  ResultMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewMock()
			index := proximity.NewIndex(clk, nil)
			collector := metrics.NewCollector(metrics.Sources{})
			c := New(index, Config{Timeout: 2 * time.Second, Metrics: collector})

			_, err := c.Fetch(context.Background(), "P1", good.URL)
			require.NoError(t, err)
			before, _ := index.Get("P1")

			clk.Add(time.Minute)
			_, err = c.Fetch(context.Background(), "P1", tt.peerURL(t))
			require.ErrorIs(t, err, tt.wantErr)

			after, ok := index.Get("P1")
			require.True(t, ok)
			assert.Equal(t, before, after)
			assert.Equal(t, 1, index.Len())

			expected := `
# HELP lightsaber_fetches_total Total catalog fetches from connected peers (by result)
# TYPE lightsaber_fetches_total counter
lightsaber_fetches_total{device="` + logging.GetDeviceName() + `",result="ok"} 1
lightsaber_fetches_total{device="` + logging.GetDeviceName() + `",result="` + tt.result + `"} 1
`
			assert.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected), "lightsaber_fetches_total"))
		})
	}
}

func TestFetchEmptyCatalog(t *testing.T) {
	peer := catalogPeer(t, http.StatusOK, `[]`)
	index := proximity.NewIndex(clock.NewMock(), nil)
	c := New(index, Config{})

	apps, err := c.Fetch(context.Background(), "P1", peer.URL+"/")
	require.NoError(t, err)
	assert.Empty(t, apps)

	entry, ok := index.Get("P1")
	require.True(t, ok)
	assert.Empty(t, entry.Apps)
}
