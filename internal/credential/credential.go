// Package credential describes how the gateway authenticates to an upstream
// API and applies that description to outbound request headers.
package credential

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind tags the variant held by a Descriptor.
type Kind string

const (
	KindNone   Kind = "none"
	KindBearer Kind = "bearer"
	KindAPIKey Kind = "api_key"
	KindBasic  Kind = "basic"
)

// DefaultAPIKeyHeader is used when an api_key descriptor names no header.
const DefaultAPIKeyHeader = "X-API-Key"

// ErrIncomplete is returned by Validate for a descriptor missing a field
// its kind requires.
var ErrIncomplete = errors.New("credential: incomplete descriptor")

// Descriptor is a closed tagged variant: exactly the fields belonging to
// Kind are meaningful. Construct one with None, Bearer, APIKey or Basic.
type Descriptor struct {
	Kind     Kind   `json:"type"`
	Token    string `json:"token,omitempty"`
	Header   string `json:"key_name,omitempty"`
	Value    string `json:"key_value,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func None() Descriptor { return Descriptor{Kind: KindNone} }

func Bearer(token string) Descriptor { return Descriptor{Kind: KindBearer, Token: token} }

// APIKey sets header to value. An empty header means DefaultAPIKeyHeader.
func APIKey(header, value string) Descriptor {
	return Descriptor{Kind: KindAPIKey, Header: header, Value: value}
}

func Basic(username, password string) Descriptor {
	return Descriptor{Kind: KindBasic, Username: username, Password: password}
}

// Validate rejects unknown kinds and descriptors missing required fields.
func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindNone:
		return nil
	case KindBearer:
		if d.Token == "" {
			return fmt.Errorf("%w: bearer requires token", ErrIncomplete)
		}
	case KindAPIKey:
		if d.Value == "" {
			return fmt.Errorf("%w: api_key requires key_value", ErrIncomplete)
		}
		if d.Header != "" && !validHeaderName(d.Header) {
			return fmt.Errorf("%w: api_key key_name %q is not a valid header name", ErrIncomplete, d.Header)
		}
	case KindBasic:
		if d.Username == "" {
			return fmt.Errorf("%w: basic requires username", ErrIncomplete)
		}
	default:
		return fmt.Errorf("credential: unknown type %q", d.Kind)
	}
	return nil
}

// Parse decodes and validates a JSON descriptor. Empty input and JSON null
// decode to None.
func Parse(data []byte) (Descriptor, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return None(), nil
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("credential: decode: %w", err)
	}
	d.Kind = Kind(strings.ToLower(string(d.Kind)))
	if d.Kind == "" {
		d.Kind = KindNone
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Redacted returns a copy safe to log or return to clients.
func (d Descriptor) Redacted() Descriptor {
	r := Descriptor{Kind: d.Kind, Header: d.Header, Username: d.Username}
	if d.Token != "" {
		r.Token = "****"
	}
	if d.Value != "" {
		r.Value = "****"
	}
	if d.Password != "" {
		r.Password = "****"
	}
	return r
}

// Inject applies d to h. Unknown or incomplete descriptors leave h
// untouched; Inject never fails.
func Inject(h http.Header, d Descriptor) {
	if d.Validate() != nil {
		return
	}
	switch d.Kind {
	case KindBearer:
		h.Set("Authorization", "Bearer "+d.Token)
	case KindAPIKey:
		name := d.Header
		if name == "" {
			name = DefaultAPIKeyHeader
		}
		h.Set(name, d.Value)
	case KindBasic:
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(d.Username+":"+d.Password)))
	}
}

func validHeaderName(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
