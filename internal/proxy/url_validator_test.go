package proxy

import (
	"net"
	"testing"

	"github.com/apiverse/apiverse/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestURLPolicy_Schemes(t *testing.T) {
	p := URLPolicy{}

	tests := []struct {
		raw     string
		wantErr bool
	}{
		{"http://example.com/path", false},
		{"HTTPS://example.com", false},
		{"file:///etc/passwd", true},
		{"gopher://evil.com", true},
		{"ftp://ftp.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			err := p.ValidateString(tt.raw)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}

func TestURLPolicy_PrivateNetworks(t *testing.T) {
	deny := URLPolicy{DenyPrivateNetworks: true}

	for _, raw := range []string{
		"http://127.0.0.1:8080/",
		"http://[::1]:8080/",
		"http://10.0.0.1/",
		"http://172.16.0.1/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data/",
		"http://0.0.0.0/",
	} {
		t.Run(raw, func(t *testing.T) {
			assert.Error(t, deny.ValidateString(raw))
		})
	}

	allow := URLPolicy{DenyPrivateNetworks: false}
	assert.NoError(t, allow.ValidateString("http://10.0.0.1:8080/"))
}

func TestURLPolicy_AllowedHosts(t *testing.T) {
	p := URLPolicy{
		DenyPrivateNetworks: true,
		AllowedHosts:        []string{"billing.internal", "api.example.com"},
	}

	assert.NoError(t, p.ValidateString("http://billing.internal:8080/"), "allowlist bypasses private check")
	assert.NoError(t, p.ValidateString("https://API.EXAMPLE.COM/v1"))
	assert.Error(t, p.ValidateString("http://evil.com/"))
	assert.Error(t, p.ValidateString("http://10.0.0.1/"))
}

func TestURLPolicy_Malformed(t *testing.T) {
	p := URLPolicy{}
	assert.Error(t, p.ValidateString("http://"))
	assert.Error(t, p.ValidateString("/relative/path"))
	assert.Error(t, p.ValidateString("http://[::1"))
}

func TestNewURLPolicy(t *testing.T) {
	p := NewURLPolicy(config.BackendURLPolicy{AllowedSchemes: []string{"https"}})
	assert.True(t, p.DenyPrivateNetworks)
	assert.Error(t, p.ValidateString("http://example.com"))
}

func TestIsPrivateIP(t *testing.T) {
	assert.True(t, IsPrivateIP(net.ParseIP("10.1.2.3")))
	assert.True(t, IsPrivateIP(net.ParseIP("fe80::1")))
	assert.False(t, IsPrivateIP(net.ParseIP("8.8.8.8")))
}
