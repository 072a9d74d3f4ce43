package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCallSucceedsFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":42}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryPolicy())
	raw, err := c.Call(context.Background(), "eth_blockNumber")
	require.NoError(t, err)

	var v int64
	require.NoError(t, json.Unmarshal(raw, &v))
	require.Equal(t, int64(42), v)
}

func TestCallRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	_, err := c.Call(context.Background(), "health")
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestCallExhaustsRetriesAndReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, RetryPolicy{MaxRetries: 2, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	_, err := c.Call(context.Background(), "health")
	require.Error(t, err)
}

func TestCallSurfacesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryPolicy())
	_, err := c.Call(context.Background(), "bogus")
	require.Error(t, err)
	require.Contains(t, err.Error(), "method not found")
}

func TestHealthCheckReturnsFalseOnFailureNotFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond, MaxBackoff: time.Millisecond})
	require.False(t, c.HealthCheck(context.Background(), "health"))
}

func TestBlockHeightDecodesPlainInt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":12345}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryPolicy())
	height, ok := c.BlockHeight(context.Background(), "eth_blockNumber")
	require.True(t, ok)
	require.Equal(t, int64(12345), height)
}

func TestBlockHeightDecodesHexString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1a2b"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil, DefaultRetryPolicy())
	height, ok := c.BlockHeight(context.Background(), "eth_blockNumber")
	require.True(t, ok)
	require.Equal(t, int64(0x1a2b), height)
}

func TestBlockHeightFailsGracefully(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, RetryPolicy{MaxRetries: 0, Backoff: time.Millisecond, MaxBackoff: time.Millisecond})
	_, ok := c.BlockHeight(context.Background(), "eth_blockNumber")
	require.False(t, ok)
}

func TestDecodeHeightDirect(t *testing.T) {
	i, ok := decodeHeight(json.RawMessage(`99`))
	require.True(t, ok)
	require.Equal(t, int64(99), i)

	h, ok := decodeHeight(json.RawMessage(`"0xff"`))
	require.True(t, ok)
	require.Equal(t, int64(255), h)

	_, ok = decodeHeight(json.RawMessage(`"not-a-number"`))
	require.False(t, ok)
}
