package resources

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/probe"
)

// scriptPattern matches hashed asset scripts such as /_nuxt/entry.abc123.js
// or ./_nuxt/entry.abc123.js.
var scriptPattern = regexp.MustCompile(`<script[^>]+src="(/?\.?/_nuxt/[^"]+)"`)

// programTokens are coarse hints that a script body is real program text.
var programTokens = [][]byte{
	[]byte("function"),
	[]byte("var"),
	[]byte("const"),
	[]byte("export"),
}

// Config holds the thresholds of a validation.
type Config struct {
	RootMarker       string
	StaticDir        string
	MinScriptSize    int
	MaxScripts       int
	MainPageTimeout  time.Duration
	ScriptTimeout    time.Duration
	StaticDirTimeout time.Duration
}

// DefaultConfig mirrors the thresholds used for Nuxt builds.
func DefaultConfig() Config {
	return Config{
		RootMarker:       `<div id="__nuxt">`,
		StaticDir:        "/_nuxt/",
		MinScriptSize:    100,
		MaxScripts:       3,
		MainPageTimeout:  5 * time.Second,
		ScriptTimeout:    3 * time.Second,
		StaticDirTimeout: 2 * time.Second,
	}
}

// Failure explains why one check did not pass.
type Failure struct {
	Path   string
	Reason string
}

func (f Failure) String() string { return f.Path + ": " + f.Reason }

// Validator checks that an instance renders the app shell and serves its assets.
type Validator struct {
	prober probe.Prober
	logger logger.Logger
	cfg    Config
}

func NewValidator(p probe.Prober, log logger.Logger, cfg Config) *Validator {
	return &Validator{prober: p, logger: log, cfg: cfg}
}

// Validate fetches the main page and up to MaxScripts of its scripts. It
// returns false with the reasons on the first structural failure or when any
// sampled asset is not healthy.
func (v *Validator) Validate(ctx context.Context, ep probe.Endpoint) (bool, []Failure) {
	v.logger.Info("validating application resources", logger.String("host", ep.Address()))

	main := v.prober.Probe(ctx, ep.WithPath("/"), v.cfg.MainPageTimeout, probe.Options{KeepBody: true})
	if !main.Is2xx() {
		return v.fail(Failure{Path: "/", Reason: "main page returned " + main.String()})
	}

	if !bytes.Contains(main.Body, []byte(v.cfg.RootMarker)) {
		return v.fail(Failure{Path: "/", Reason: fmt.Sprintf("root mount marker %q missing, app did not render", v.cfg.RootMarker)})
	}

	scripts := ExtractScripts(main.Body)
	if len(scripts) == 0 {
		return v.fail(Failure{Path: "/", Reason: "no asset script references found"})
	}
	v.logger.Info("found asset scripts", logger.Int("count", len(scripts)))

	if len(scripts) > v.cfg.MaxScripts {
		scripts = scripts[:v.cfg.MaxScripts]
	}

	failures := v.checkScripts(ctx, ep, scripts)
	if len(failures) > 0 {
		return v.fail(failures...)
	}

	v.checkStaticDir(ctx, ep)

	v.logger.Info("all application resources loaded correctly")
	return true, nil
}

// checkScripts fetches the sampled assets concurrently and collects failures
// in discovery order.
func (v *Validator) checkScripts(ctx context.Context, ep probe.Endpoint, scripts []string) []Failure {
	results := make([]*Failure, len(scripts))
	var g errgroup.Group
	for i, path := range scripts {
		i, path := i, path
		g.Go(func() error {
			res := v.prober.Probe(ctx, ep.WithPath(path), v.cfg.ScriptTimeout, probe.Options{KeepBody: true})
			results[i] = v.checkScript(path, res)
			return nil
		})
	}
	_ = g.Wait()

	var failures []Failure
	for _, f := range results {
		if f != nil {
			failures = append(failures, *f)
		}
	}
	return failures
}

func (v *Validator) checkScript(path string, res probe.Result) *Failure {
	switch {
	case !res.Is2xx():
		return &Failure{Path: path, Reason: res.String()}
	case len(res.Body) < v.cfg.MinScriptSize:
		return &Failure{Path: path, Reason: fmt.Sprintf("script is suspiciously small (%d bytes)", len(res.Body))}
	case !looksLikeProgram(res.Body):
		return &Failure{Path: path, Reason: "content does not look like javascript"}
	}
	return nil
}

// checkStaticDir is informational: 200 and 404 (listing disabled) are both fine.
func (v *Validator) checkStaticDir(ctx context.Context, ep probe.Endpoint) {
	if v.cfg.StaticDir == "" {
		return
	}
	res := v.prober.Probe(ctx, ep.WithPath(v.cfg.StaticDir), v.cfg.StaticDirTimeout, probe.Options{})
	switch {
	case !res.Responded():
		v.logger.Warn("static asset directory check failed",
			logger.String("path", v.cfg.StaticDir),
			logger.String("result", res.String()))
	case res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNotFound:
		v.logger.Warn("static asset directory not accessible",
			logger.String("path", v.cfg.StaticDir),
			logger.Int("status", res.StatusCode))
	}
}

func (v *Validator) fail(failures ...Failure) (bool, []Failure) {
	for _, f := range failures {
		v.logger.Warn("resource validation failed",
			logger.String("path", f.Path),
			logger.String("reason", f.Reason))
	}
	return false, failures
}

// ExtractScripts returns the asset script paths referenced by html, in
// document order, normalised to start with "/".
func ExtractScripts(html []byte) []string {
	matches := scriptPattern.FindAllSubmatch(html, -1)
	paths := make([]string, 0, len(matches))
	for _, m := range matches {
		p := string(m[1])
		p = strings.TrimPrefix(p, "./")
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		p = strings.Replace(p, "/./", "/", 1)
		paths = append(paths, p)
	}
	return paths
}

func looksLikeProgram(body []byte) bool {
	for _, tok := range programTokens {
		if bytes.Contains(body, tok) {
			return true
		}
	}
	return false
}
