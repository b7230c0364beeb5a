package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `token = "abc123"`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != "direct" || cfg.PageSize != 100 || cfg.BaseURL == "" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoadConfig_MissingToken(t *testing.T) {
	path := writeConfig(t, `mode = "direct"`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func newClient(baseURL string) *Client {
	c := New(Config{
		Token:                "tok",
		Mode:                 "direct",
		PageSize:             2,
		DelayBetweenRequests: 0.001,
		BaseURL:              baseURL,
	})
	c.RateLimitBackoff = 10 * time.Millisecond
	return c
}

func pageJSON(next string, entries ...[4]string) string {
	type item struct {
		ProxyAddress string `json:"proxy_address"`
		Port         int    `json:"port"`
		Username     string `json:"username"`
		Password     string `json:"password"`
	}
	var results []item
	for _, e := range entries {
		var port int
		fmt.Sscanf(e[1], "%d", &port)
		results = append(results, item{ProxyAddress: e[0], Port: port, Username: e[2], Password: e[3]})
	}
	b, _ := json.Marshal(map[string]any{"results": results, "next": next})
	return string(b)
}

func TestFetch_Paginated(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token tok" {
			t.Errorf("bad auth header: %q", got)
		}
		switch r.URL.Query().Get("page") {
		case "1", "":
			fmt.Fprint(w, pageJSON("/api/v2/proxy/list/?page=2",
				[4]string{"10.0.0.1", "8080", "u1", "p1"},
				[4]string{"10.0.0.2", "8080", "u2", "p2"}))
		default:
			fmt.Fprint(w, pageJSON("",
				[4]string{"10.0.0.3", "8080", "u3", "p3"},
				[4]string{"10.0.0.1", "8080", "u1", "p1"})) // dup of page 1
		}
	}))
	defer srv.Close()

	got, err := newClient(srv.URL + "/api/v2/proxy/list/").Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"http://u1:p1@10.0.0.1:8080",
		"http://u2:p2@10.0.0.2:8080",
		"http://u3:p3@10.0.0.3:8080",
	}
	if len(got) != len(want) {
		t.Fatalf("got %d proxies, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("proxy[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestFetch_RateLimitRetriesSamePage(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, pageJSON("", [4]string{"10.0.0.1", "8080", "u", "p"}))
	}))
	defer srv.Close()

	got, err := newClient(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 proxy after retry, got %v", got)
	}
	if calls.Load() != 2 {
		t.Errorf("expected the same page to be retried once, got %d calls", calls.Load())
	}
}

func TestFetch_BadRequestFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad plan", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).Fetch(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 400")
	}
}

func TestFetch_ServerErrorFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := newClient(srv.URL).Fetch(context.Background()); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestFetch_SkipsIncompleteEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, pageJSON("",
			[4]string{"10.0.0.1", "8080", "u", "p"},
			[4]string{"10.0.0.2", "8080", "", ""})) // no credentials
	}))
	defer srv.Close()

	got, err := newClient(srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("incomplete entries should be skipped, got %v", got)
	}
}
