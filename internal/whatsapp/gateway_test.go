package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/chippool/config"
	"github.com/talkincode/chippool/internal/domain"
)

func testClient(url string) *Client {
	return NewClient(config.GatewayConfig{
		BaseURL:      url,
		APIKey:       "secret",
		Timeout:      time.Second,
		Retries:      3,
		RetryBackoff: time.Millisecond,
	})
}

func TestConnectionState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connectionState/chip-1", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"instance":{"instanceName":"chip-1","state":"open"}}`))
	}))
	defer srv.Close()

	state, err := testClient(srv.URL).ConnectionState(context.Background(), "chip-1")
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}

func TestConnectionStateRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"instance":{"state":"connecting"}}`))
	}))
	defer srv.Close()

	state, err := testClient(srv.URL).ConnectionState(context.Background(), "chip-1")
	require.NoError(t, err)
	assert.Equal(t, "connecting", state)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestConnectionStateExhausted(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ConnectionState(context.Background(), "chip-1")
	require.Error(t, err)
	var dep *domain.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.Equal(t, 3, dep.Attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).ConnectionState(context.Background(), "missing")
	assert.True(t, domain.IsDependency(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestFetchQRCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance/connect/chip-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"base64":"data:image/png;base64,AAA","code":"2@abc","pairingCode":"WXYZ-1234"}`))
	}))
	defer srv.Close()

	qr, err := testClient(srv.URL).FetchQRCode(context.Background(), "chip-1")
	require.NoError(t, err)
	assert.Equal(t, "2@abc", qr.Code)
	assert.Equal(t, "WXYZ-1234", qr.PairingCode)
}

func TestFetchQRCodeAlreadyConnected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"instance":{"state":"open"}}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchQRCode(context.Background(), "chip-1")
	assert.True(t, domain.IsConflict(err))
}

func TestUnconfiguredGateway(t *testing.T) {
	_, err := NewClient(config.GatewayConfig{}).ConnectionState(context.Background(), "chip-1")
	assert.True(t, domain.IsDependency(err))
}
