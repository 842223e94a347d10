package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		headers    map[string]string
		trustProxy bool
		want       string
	}{
		{name: "remote addr", remote: "10.0.0.7:5123", want: "10.0.0.7"},
		{name: "v6 remote addr", remote: "[::1]:5123", want: "::1"},
		{
			name:    "headers ignored without trust",
			remote:  "10.0.0.7:5123",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:    "10.0.0.7",
		},
		{
			name:       "cloudflare header first",
			remote:     "127.0.0.1:5123",
			headers:    map[string]string{"CF-Connecting-IP": "5.6.7.8", "X-Forwarded-For": "1.2.3.4"},
			trustProxy: true,
			want:       "5.6.7.8",
		},
		{
			name:       "left-most forwarded for",
			remote:     "127.0.0.1:5123",
			headers:    map[string]string{"X-Forwarded-For": " 1.2.3.4 , 9.9.9.9"},
			trustProxy: true,
			want:       "1.2.3.4",
		},
		{
			name:       "garbage header falls through",
			remote:     "127.0.0.1:5123",
			headers:    map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "4.4.4.4"},
			trustProxy: true,
			want:       "4.4.4.4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(r, tt.trustProxy))
		})
	}
}

func TestIPMatcher(t *testing.T) {
	m := NewIPMatcher([]string{"10.0.0.0/8", " 192.168.1.10 ", "", "nope", "fd00::/8"})

	assert.False(t, m.IsEmpty())
	assert.True(t, m.Allow("10.20.30.40"))
	assert.True(t, m.Allow("192.168.1.10"))
	assert.True(t, m.Allow("::ffff:192.168.1.10"))
	assert.True(t, m.Allow("fd12::1"))
	assert.False(t, m.Allow("192.168.1.11"))
	assert.False(t, m.Allow("not-an-ip"))

	assert.True(t, NewIPMatcher([]string{"", "junk"}).IsEmpty())
}
