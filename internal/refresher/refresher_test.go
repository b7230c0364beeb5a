package refresher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drsoft-oss/rotaproxy/internal/pool"
	"github.com/drsoft-oss/rotaproxy/internal/validator"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func poolKeys(p *pool.Pool) map[string]bool {
	keys := make(map[string]bool)
	for _, up := range p.Snapshot() {
		keys[up.Key()] = true
	}
	return keys
}

func TestRunOnce_SourcesReplacePool(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "# fetched list\n10.1.1.1:3128\n10.1.1.2:3128\nnot a proxy\n10.1.1.1:3128\n")
	}))
	defer src.Close()

	dir := t.TempDir()
	proxyFile := writeFile(t, dir, "proxy_list.txt", "10.0.0.9:3128\n")
	sourcesFile := writeFile(t, dir, "proxy_sources.txt", "# sources\n"+src.URL+"\n")

	p := pool.New()
	if _, err := p.LoadFile(proxyFile); err != nil {
		t.Fatal(err)
	}

	r := New(p, Config{ProxyFile: proxyFile, SourcesFile: sourcesFile, Interval: time.Hour})
	r.RunOnce(context.Background())

	keys := poolKeys(p)
	if len(keys) != 2 {
		t.Fatalf("expected 2 upstreams after refresh, got %d", len(keys))
	}
	if !keys["http://10.1.1.1:3128"] || !keys["http://10.1.1.2:3128"] {
		t.Errorf("unexpected pool contents: %v", keys)
	}

	// The current selection must come from the new list.
	cur := p.Current()
	if cur == nil || !keys[cur.Key()] {
		t.Errorf("current %v not a member of the refreshed list", cur)
	}

	// The proxy file was rewritten with a header comment.
	data, err := os.ReadFile(proxyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "#") {
		t.Error("rewritten proxy file missing header comment")
	}
	if !strings.Contains(string(data), "http://10.1.1.1:3128") {
		t.Error("rewritten proxy file missing refreshed entries")
	}

	if r.LastRefresh().IsZero() {
		t.Error("LastRefresh not updated")
	}
}

func TestRunOnce_FailedFetchKeepsPool(t *testing.T) {
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer src.Close()

	dir := t.TempDir()
	proxyFile := writeFile(t, dir, "proxy_list.txt", "10.0.0.9:3128\n")
	sourcesFile := writeFile(t, dir, "proxy_sources.txt", src.URL+"\n")

	p := pool.New()
	if _, err := p.LoadFile(proxyFile); err != nil {
		t.Fatal(err)
	}

	r := New(p, Config{ProxyFile: proxyFile, SourcesFile: sourcesFile, Interval: time.Hour})
	r.RunOnce(context.Background())

	if !poolKeys(p)["http://10.0.0.9:3128"] {
		t.Error("failed refresh must leave the previous pool in place")
	}
}

func TestRunOnce_MissingSourcesFileReloadsLocal(t *testing.T) {
	dir := t.TempDir()
	proxyFile := writeFile(t, dir, "proxy_list.txt", "10.0.0.9:3128\n")

	p := pool.New()
	r := New(p, Config{
		ProxyFile:   proxyFile,
		SourcesFile: filepath.Join(dir, "nonexistent.txt"),
		Interval:    time.Hour,
	})
	r.RunOnce(context.Background())

	if p.Len() != 1 {
		t.Errorf("expected local file to be loaded, pool has %d", p.Len())
	}
}

func TestRunOnce_ValidationFiltersCandidates(t *testing.T) {
	// The "good" stub doubles as upstream proxy for the validation probe.
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	goodAddr := strings.TrimPrefix(good.URL, "http://")

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n127.0.0.1:1\n", goodAddr)
	}))
	defer src.Close()

	dir := t.TempDir()
	proxyFile := filepath.Join(dir, "proxy_list.txt")
	sourcesFile := writeFile(t, dir, "proxy_sources.txt", src.URL+"\n")

	p := pool.New()
	r := New(p, Config{
		ProxyFile:   proxyFile,
		SourcesFile: sourcesFile,
		Interval:    time.Hour,
		Validate:    true,
		Validation: validator.Config{
			TestURL: "http://target.invalid/ip",
			Timeout: 2 * time.Second,
		},
	})
	r.RunOnce(context.Background())

	keys := poolKeys(p)
	if len(keys) != 1 || !keys["http://"+goodAddr] {
		t.Errorf("expected only the working candidate to survive, got %v", keys)
	}
}

type stubSource struct {
	lines []string
	err   error
}

func (s *stubSource) Fetch(context.Context) ([]string, error) { return s.lines, s.err }

func TestRunOnce_ProviderPath(t *testing.T) {
	dir := t.TempDir()
	proxyFile := filepath.Join(dir, "proxy_list.txt")

	p := pool.New()
	r := New(p, Config{
		ProxyFile: proxyFile,
		Interval:  time.Hour,
		Provider: &stubSource{lines: []string{
			"http://u:p@10.2.2.1:3128",
			"http://u:p@10.2.2.2:3128",
			"http://u:p@10.2.2.1:3128", // dup
		}},
	})
	r.RunOnce(context.Background())

	if p.Len() != 2 {
		t.Errorf("expected 2 deduplicated provider upstreams, got %d", p.Len())
	}
}

func TestRunOnce_ProviderErrorKeepsPool(t *testing.T) {
	dir := t.TempDir()
	proxyFile := writeFile(t, dir, "proxy_list.txt", "10.0.0.9:3128\n")

	p := pool.New()
	if _, err := p.LoadFile(proxyFile); err != nil {
		t.Fatal(err)
	}

	r := New(p, Config{
		ProxyFile: proxyFile,
		Interval:  time.Hour,
		Provider:  &stubSource{err: errors.New("api down")},
	})
	r.RunOnce(context.Background())

	if p.Len() != 1 {
		t.Error("provider failure must leave the previous pool in place")
	}
}
