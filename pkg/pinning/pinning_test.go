package pinning

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/transport"
)

const document = `{"depth":0,"hash":"0x01","hash_fn":"KECCAK_256"}`

func newPinata(t *testing.T, handler http.HandlerFunc) (*PinataClient, *metrics.Metrics) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	testLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	m := metrics.NewMetrics(nil)
	client := transport.NewClient(nil, transport.RetryConfig{
		MaxAttempts:     2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      time.Millisecond,
		BackoffMultiple: 1,
	}, testLogger)
	return NewPinataClient(&PinataConfig{BaseUrl: server.URL, JWT: "secret-jwt"}, client, m, testLogger), m
}

func TestPinataClient_PinJSON(t *testing.T) {
	pinata, m := newPinata(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/pinning/pinJSONToIPFS", r.URL.Path)
		assert.Equal(t, "Bearer secret-jwt", r.Header.Get("Authorization"))

		var req struct {
			PinataContent  map[string]interface{} `json:"pinataContent"`
			PinataMetadata struct {
				Name string `json:"name"`
			} `json:"pinataMetadata"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "KECCAK_256", req.PinataContent["hash_fn"])
		assert.Equal(t, "snapshot-1", req.PinataMetadata.Name)

		_, _ = w.Write([]byte(`{"IpfsHash":"QmTestHash","PinSize":42,"Timestamp":"2024-01-01T00:00:00Z"}`))
	})

	hash, err := pinata.PinJSON(context.Background(), "snapshot-1", []byte(document))
	require.NoError(t, err)
	assert.Equal(t, "QmTestHash", hash)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PinRequests.WithLabelValues("success")))
}

func TestPinataClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantMsg string
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"invalid jwt"}`))
			},
			wantMsg: "401",
		},
		{
			name: "server error after retries",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantMsg: "after 2 attempts",
		},
		{
			name: "missing hash",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"PinSize":42}`))
			},
			wantMsg: "no IpfsHash",
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`not json`))
			},
			wantMsg: "invalid pinata response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pinata, _ := newPinata(t, tt.handler)
			_, err := pinata.PinJSON(context.Background(), "snapshot", []byte(document))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPinFailed))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestPinataClient_RejectsInvalidDocument(t *testing.T) {
	pinata, _ := newPinata(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := pinata.PinJSON(context.Background(), "snapshot", []byte(`{broken`))
	assert.True(t, errors.Is(err, ErrPinFailed))
}

func TestLocalPinner(t *testing.T) {
	pinner := NewLocalPinner()

	id, err := pinner.PinJSON(context.Background(), "snapshot", []byte(document))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "bafkrei"), "CIDv1 raw sha2-256 in base32: %s", id)

	again, err := pinner.PinJSON(context.Background(), "other-name", []byte(document))
	require.NoError(t, err)
	assert.Equal(t, id, again, "content addressed")

	stored, ok := pinner.Get(id)
	require.True(t, ok)
	assert.Equal(t, document, string(stored))

	digest, err := ParseContentId(id)
	require.NoError(t, err)
	sum := sha256.Sum256([]byte(document))
	assert.Equal(t, sum[:], digest)

	_, ok = pinner.Get("bafkreimissing")
	assert.False(t, ok)
}

func TestContentId_DiffersPerDocument(t *testing.T) {
	a, err := ContentId([]byte(`{"a":1}`))
	require.NoError(t, err)
	b, err := ContentId([]byte(`{"a":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
