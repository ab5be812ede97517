package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/apiverse/apiverse/internal/credential"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newForwarder(t *testing.T, timeout string, opts ...Option) *Forwarder {
	t.Helper()
	cfg := config.Defaults().Proxy
	cfg.Timeout = timeout
	f, err := New(cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestForwardRoundTrip(t *testing.T) {
	var seen *http.Request
	var seenBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		seenBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f := newForwarder(t, "5s")
	in := http.Header{}
	in.Set("X-API-Key", "apv_live_secret")
	in.Set("X-Custom", "kept")
	in.Set("Keep-Alive", "timeout=5")
	in.Set("Accept-Encoding", "gzip")
	in.Set("Content-Type", "application/json")

	resp, err := f.Forward(context.Background(), Request{
		Method:     http.MethodPost,
		BaseURL:    upstream.URL + "/v1/",
		Path:       "/items/42",
		RawQuery:   "a=1&b=%20x",
		Header:     in,
		Body:       strings.NewReader(`{"name":"n"}`),
		Descriptor: credential.Bearer("upstream-token"),
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, "yes", resp.Header.Get("X-Upstream"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.Header.Get("Connection"))
	assert.Positive(t, resp.Duration)

	require.NotNil(t, seen)
	assert.Equal(t, "/v1/items/42", seen.URL.Path)
	assert.Equal(t, "a=1&b=%20x", seen.URL.RawQuery)
	assert.Equal(t, `{"name":"n"}`, string(seenBody))
	assert.Empty(t, seen.Header.Get("X-API-Key"))
	assert.Empty(t, seen.Header.Get("Keep-Alive"))
	assert.Equal(t, "kept", seen.Header.Get("X-Custom"))
	assert.Equal(t, "Bearer upstream-token", seen.Header.Get("Authorization"))
	assert.Equal(t, "application/json", seen.Header.Get("Content-Type"))
}

func TestForwardBinaryBodyUnchanged(t *testing.T) {
	payload := bytes.Repeat([]byte{0x00, 0xff, 0x10, '\n'}, 4096)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(w, r.Body)
	}))
	defer upstream.Close()

	f := newForwarder(t, "5s")
	resp, err := f.Forward(context.Background(), Request{
		Method:  http.MethodPut,
		BaseURL: upstream.URL,
		Path:    "echo",
		Body:    bytes.NewReader(payload),
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestForwardKeepsDeclaredLength(t *testing.T) {
	var gotLength int64
	var gotTE []string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLength, gotTE = r.ContentLength, r.TransferEncoding
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	f := newForwarder(t, "5s")
	body := io.NopCloser(strings.NewReader("hello"))
	resp, err := f.Forward(context.Background(), Request{
		Method:        http.MethodPost,
		BaseURL:       upstream.URL,
		Body:          body,
		ContentLength: 5,
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.EqualValues(t, 5, gotLength)
	assert.Empty(t, gotTE)
}

func TestForwardBodyOverLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
	}))
	defer upstream.Close()

	f := newForwarder(t, "5s")
	body := http.MaxBytesReader(nil, io.NopCloser(bytes.NewReader(bytes.Repeat([]byte("x"), 64<<10))), 1024)
	_, err := f.Forward(context.Background(), Request{
		Method:        http.MethodPost,
		BaseURL:       upstream.URL,
		Body:          body,
		ContentLength: -1,
	})
	assert.ErrorIs(t, err, ErrRequestTooLarge)
	assert.NotErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	f := newForwarder(t, "100ms")
	_, err := f.Forward(context.Background(), Request{Method: http.MethodGet, BaseURL: upstream.URL})
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestForwardUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	f := newForwarder(t, "2s")
	_, err = f.Forward(context.Background(), Request{Method: http.MethodGet, BaseURL: "http://" + addr})
	assert.ErrorIs(t, err, ErrUpstreamUnreachable)

	_, err = f.Forward(context.Background(), Request{Method: http.MethodGet, BaseURL: "not a url"})
	assert.ErrorIs(t, err, ErrUpstreamUnreachable)
}

func TestForwardClientCanceled(t *testing.T) {
	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	f := newForwarder(t, "5s")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.Forward(ctx, Request{Method: http.MethodGet, BaseURL: upstream.URL})
	assert.ErrorIs(t, err, ErrClientCanceled)
	assert.False(t, errors.Is(err, ErrUpstreamTimeout))
}

func TestJoinTarget(t *testing.T) {
	tests := []struct {
		base, path, query string
		want              string
	}{
		{"https://api.test", "v1/x", "", "https://api.test/v1/x"},
		{"https://api.test/", "/v1/x", "", "https://api.test/v1/x"},
		{"https://api.test/base//", "//v1", "q=1", "https://api.test/base/v1?q=1"},
		{"https://api.test/base", "", "", "https://api.test/base/"},
		{"https://api.test/p", "a%2Fb", "", "https://api.test/p/a%2Fb"},
	}
	for _, tt := range tests {
		u, err := joinTarget(tt.base, tt.path, tt.query)
		require.NoError(t, err)
		assert.Equal(t, tt.want, u.String())
	}

	_, err := joinTarget("/relative", "x", "")
	assert.Error(t, err)
}

func TestOutboundHeaderDropsConnectionListed(t *testing.T) {
	in := http.Header{}
	in.Set("Connection", "X-Secret-Hop, keep-alive")
	in.Set("X-Secret-Hop", "1")
	in.Set("Host", "gateway.test")
	in.Set("X-Keep", "1")

	out := outboundHeader(in)
	assert.Empty(t, out.Get("X-Secret-Hop"))
	assert.Empty(t, out.Get("Connection"))
	assert.Empty(t, out.Get("Host"))
	assert.Equal(t, "1", out.Get("X-Keep"))
	assert.Equal(t, "X-Secret-Hop, keep-alive", in.Get("Connection"), "input untouched")

	assert.NotNil(t, outboundHeader(nil))
}

func TestHTTP3Selection(t *testing.T) {
	f := newForwarder(t, "1s")
	assert.Nil(t, f.transport.http3)

	cfg := config.Defaults().Proxy
	cfg.HTTP3Upstreams = true
	f3, err := New(cfg, testLogger())
	require.NoError(t, err)
	defer f3.Close()
	assert.NotNil(t, f3.transport.http3)
}
