package resources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
	"github.com/MrSnakeDoc/cutover/internal/probe/probetest"
)

var ep = probe.MustParseEndpoint("localhost:13000")

const shell = `<!DOCTYPE html><html><head>
<script type="module" src="/_nuxt/entry.abc.js"></script>
<script type="module" src="./_nuxt/vendor.def.js"></script>
</head><body><div id="__nuxt"></div></body></html>`

var script = "export const mount = function () { return 1 }\n" + strings.Repeat("// padding\n", 20)

func pages(m map[string]probe.Result) *probetest.Fake {
	return &probetest.Fake{Handler: func(e probe.Endpoint, _ time.Duration) probe.Result {
		if r, ok := m[e.Path]; ok {
			return r
		}
		return probetest.Status(404)
	}}
}

func TestExtractScripts(t *testing.T) {
	tests := []struct {
		name string
		html string
		want []string
	}{
		{
			name: "absolute and relative",
			html: shell,
			want: []string{"/_nuxt/entry.abc.js", "/_nuxt/vendor.def.js"},
		},
		{
			name: "bare directory",
			html: `<script defer src="_nuxt/app.js"></script>`,
			want: []string{},
		},
		{
			name: "third party scripts are ignored",
			html: `<script src="https://cdn.example.com/x.js"></script><script src="/_nuxt/a.js"></script>`,
			want: []string{"/_nuxt/a.js"},
		},
		{
			name: "none",
			html: `<html></html>`,
			want: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractScripts([]byte(tt.html)))
		})
	}
}

func TestValidate_Healthy(t *testing.T) {
	fake := pages(map[string]probe.Result{
		"/":                    probetest.Body(shell),
		"/_nuxt/entry.abc.js":  probetest.Body(script),
		"/_nuxt/vendor.def.js": probetest.Body(script),
		"/_nuxt/":              probetest.Status(404),
	})
	v := NewValidator(fake, logger.NewNop(), DefaultConfig())

	ok, failures := v.Validate(context.Background(), ep)

	assert.True(t, ok)
	assert.Empty(t, failures)
	assert.Equal(t, 1, fake.CallsFor("/_nuxt/"))
}

func TestValidate_MissingMarkerFetchesNoAssets(t *testing.T) {
	fake := pages(map[string]probe.Result{
		"/":                   probetest.Body(`<html><script src="/_nuxt/entry.abc.js"></script></html>`),
		"/_nuxt/entry.abc.js": probetest.Body(script),
	})
	v := NewValidator(fake, logger.NewNop(), DefaultConfig())

	ok, failures := v.Validate(context.Background(), ep)

	assert.False(t, ok)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Reason, "marker")
	assert.Len(t, fake.Calls(), 1, "only the main page is fetched")
}

func TestValidate_MainPageErrors(t *testing.T) {
	v := NewValidator(pages(map[string]probe.Result{"/": probetest.Status(502)}), logger.NewNop(), DefaultConfig())
	ok, failures := v.Validate(context.Background(), ep)
	assert.False(t, ok)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Reason, "HTTP 502")

	v = NewValidator(pages(map[string]probe.Result{"/": probetest.Timeout()}), logger.NewNop(), DefaultConfig())
	ok, _ = v.Validate(context.Background(), ep)
	assert.False(t, ok)
}

func TestValidate_NoScripts(t *testing.T) {
	fake := pages(map[string]probe.Result{"/": probetest.Body(`<div id="__nuxt"></div>`)})
	v := NewValidator(fake, logger.NewNop(), DefaultConfig())

	ok, failures := v.Validate(context.Background(), ep)

	assert.False(t, ok)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Reason, "no asset script")
}

func TestValidate_BadAssetsAreAllReported(t *testing.T) {
	fake := pages(map[string]probe.Result{
		"/":                    probetest.Body(shell),
		"/_nuxt/entry.abc.js":  probetest.Body("tiny"),
		"/_nuxt/vendor.def.js": probetest.Body(strings.Repeat("<p>not code</p>", 20)),
	})
	v := NewValidator(fake, logger.NewNop(), DefaultConfig())

	ok, failures := v.Validate(context.Background(), ep)

	assert.False(t, ok)
	require.Len(t, failures, 2)
	assert.Equal(t, "/_nuxt/entry.abc.js", failures[0].Path)
	assert.Contains(t, failures[0].Reason, "small")
	assert.Equal(t, "/_nuxt/vendor.def.js", failures[1].Path)
	assert.Contains(t, failures[1].Reason, "javascript")
	assert.Zero(t, fake.CallsFor("/_nuxt/"), "static dir is only checked once assets pass")
}

func TestValidate_SamplesAtMostMaxScripts(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<div id="__nuxt"></div>`)
	results := map[string]probe.Result{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		path := "/_nuxt/" + name + ".js"
		b.WriteString(`<script src="` + path + `"></script>`)
		results[path] = probetest.Body(script)
	}
	results["/"] = probetest.Body(b.String())
	fake := pages(results)
	v := NewValidator(fake, logger.NewNop(), DefaultConfig())

	ok, _ := v.Validate(context.Background(), ep)

	assert.True(t, ok)
	assert.Equal(t, 1, fake.CallsFor("/_nuxt/c.js"))
	assert.Zero(t, fake.CallsFor("/_nuxt/d.js"))
	assert.Zero(t, fake.CallsFor("/_nuxt/e.js"))
}

func TestValidate_StaticDirErrorOnlyWarns(t *testing.T) {
	fake := pages(map[string]probe.Result{
		"/":                    probetest.Body(shell),
		"/_nuxt/entry.abc.js":  probetest.Body(script),
		"/_nuxt/vendor.def.js": probetest.Body(script),
		"/_nuxt/":              probetest.Status(500),
	})
	v := NewValidator(fake, logger.NewNop(), DefaultConfig())

	ok, failures := v.Validate(context.Background(), ep)

	assert.True(t, ok)
	assert.Empty(t, failures)
}

func TestValidate_AgainstServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(shell))
	})
	mux.HandleFunc("/_nuxt/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/_nuxt/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte(script))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	v := NewValidator(probe.NewHTTPProber(probe.Config{}), logger.NewNop(), DefaultConfig())
	ok, failures := v.Validate(context.Background(), probe.MustParseEndpoint(srv.URL))

	assert.True(t, ok, "%v", failures)
}
