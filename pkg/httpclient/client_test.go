package httpclient

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T, client *http.Client) http.Header {
	t.Helper()

	var capturedHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		capturedHeaders = r.Header
	}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	return capturedHeaders
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	headers := capture(t, NewHTTPClient())

	assert.True(t, strings.HasPrefix(headers.Get("User-Agent"), "WikiDesigner/"))
}

func TestWithHeaders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []Opt
		want    map[string]string
		missing []string
	}{
		{
			name: "forwards headers",
			opts: []Opt{WithHeaders(map[string]string{"Cookie": "session=abc", "X-Wiki": "demo"})},
			want: map[string]string{"Cookie": "session=abc", "X-Wiki": "demo"},
		},
		{
			name: "later headers win",
			opts: []Opt{
				WithHeaders(map[string]string{"X-Wiki": "first"}),
				WithHeaders(map[string]string{"X-Wiki": "second"}),
			},
			want: map[string]string{"X-Wiki": "second"},
		},
		{
			name:    "nil headers are ignored",
			opts:    []Opt{WithHeaders(nil)},
			missing: []string{"Cookie"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			headers := capture(t, NewHTTPClient(tt.opts...))

			for k, v := range tt.want {
				assert.Equal(t, v, headers.Get(k))
			}
			for _, k := range tt.missing {
				assert.Empty(t, headers.Get(k))
			}
		})
	}
}
