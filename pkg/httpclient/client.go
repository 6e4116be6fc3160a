package httpclient

import (
	"fmt"
	"maps"
	"net/http"
	"runtime"

	"github.com/pubwiki/wikidesigner/pkg/version"
)

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	for k, v := range t.headers {
		r2.Header.Set(k, v)
	}
	return t.rt.RoundTrip(r2)
}

type options struct {
	headers map[string]string
	base    http.RoundTripper
}

type Opt func(*options)

// WithHeaders adds headers to every request. Later calls override earlier ones.
func WithHeaders(headers map[string]string) Opt {
	return func(o *options) {
		maps.Copy(o.headers, headers)
	}
}

// WithTransport replaces http.DefaultTransport as the underlying round tripper.
func WithTransport(rt http.RoundTripper) Opt {
	return func(o *options) {
		o.base = rt
	}
}

func UserAgent() string {
	return fmt.Sprintf("WikiDesigner/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)
}

func NewHTTPClient(opts ...Opt) *http.Client {
	o := options{
		headers: map[string]string{"User-Agent": UserAgent()},
		base:    http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &http.Client{
		Transport: &headerTransport{
			headers: o.headers,
			rt:      o.base,
		},
	}
}
