package credential

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInject(t *testing.T) {
	tests := []struct {
		name   string
		d      Descriptor
		header string
		want   string
	}{
		{"basic u:p", Basic("u", "p"), "Authorization", "Basic dTpw"},
		{"bearer", Bearer("tok"), "Authorization", "Bearer tok"},
		{"api key custom header", APIKey("X-Provider-Key", "v1"), "X-Provider-Key", "v1"},
		{"api key default header", APIKey("", "v2"), "X-API-Key", "v2"},
		{"basic empty password", Basic("u", ""), "Authorization", "Basic dTo="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			Inject(h, tt.d)
			assert.Equal(t, tt.want, h.Get(tt.header))
		})
	}
}

func TestInject_NoOpOnUnusableDescriptors(t *testing.T) {
	for name, d := range map[string]Descriptor{
		"none":             None(),
		"zero value":       {},
		"unknown kind":     {Kind: "oauth2", Token: "x"},
		"bearer no token":  {Kind: KindBearer},
		"api key no value": {Kind: KindAPIKey, Header: "X-K"},
		"basic no user":    {Kind: KindBasic, Password: "p"},
	} {
		t.Run(name, func(t *testing.T) {
			h := http.Header{"Accept": {"application/json"}}
			assert.NotPanics(t, func() { Inject(h, d) })
			assert.Equal(t, http.Header{"Accept": {"application/json"}}, h)
		})
	}
}

func TestInject_OverwritesExistingAuthorization(t *testing.T) {
	h := http.Header{"Authorization": {"Bearer caller"}}
	Inject(h, Bearer("upstream"))
	assert.Equal(t, []string{"Bearer upstream"}, h.Values("Authorization"))
}

func TestParse(t *testing.T) {
	t.Run("empty and null are none", func(t *testing.T) {
		for _, in := range []string{"", "  ", "null"} {
			d, err := Parse([]byte(in))
			require.NoError(t, err)
			assert.Equal(t, KindNone, d.Kind)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		d, err := Parse([]byte(`{"type":"API_KEY","key_name":"X-Token","key_value":"abc"}`))
		require.NoError(t, err)
		assert.Equal(t, APIKey("X-Token", "abc"), d)
	})

	t.Run("incomplete is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":"bearer"}`))
		assert.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("unknown type is rejected", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":"digest"}`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":`))
		assert.Error(t, err)
	})

	t.Run("invalid header name", func(t *testing.T) {
		_, err := Parse([]byte(`{"type":"api_key","key_name":"Bad Header","key_value":"v"}`))
		assert.ErrorIs(t, err, ErrIncomplete)
	})
}

func TestRedacted(t *testing.T) {
	r := Basic("u", "secret").Redacted()
	assert.Equal(t, "u", r.Username)
	assert.Equal(t, "****", r.Password)

	r = Bearer("t").Redacted()
	assert.Equal(t, "****", r.Token)
}
