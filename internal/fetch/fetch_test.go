package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func noopValidator(_ string) error { return nil }

func TestFetch_ExtractsVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><h1>Breaking</h1><p>Something happened.</p></body></html>"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	text, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(text, "Breaking") || !strings.Contains(text, "Something happened") {
		t.Errorf("expected extracted text to contain page content, got %q", text)
	}
	if strings.Contains(text, "<h1>") {
		t.Errorf("expected HTML tags stripped, got %q", text)
	}
}

func TestFetch_TruncatesTo10KB(t *testing.T) {
	big := strings.Repeat("word ", 5000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>" + big + "</p>"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	text, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(text) > maxTextBytes {
		t.Errorf("text not truncated: %d bytes", len(text))
	}
}

func TestFetch_RetriesOn429RespectingRetryAfter(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("<p>ok</p>"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	text, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(text, "ok") {
		t.Errorf("expected eventual success, got %q", text)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestFetch_GivesUpAfterThreeExtra429Attempts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	_, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != max429Attempts+1 {
		t.Errorf("expected %d calls, got %d", max429Attempts+1, calls)
	}
}

func TestFetch_NonRetryableStatusFailsImmediately(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	_, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for non-429 failure, got %d", calls)
	}
}

func TestFetch_BlocksPrivateIP(t *testing.T) {
	f := New(Config{})
	_, err := f.Fetch(context.Background(), "http://169.254.169.254/latest/meta-data")
	if err == nil {
		t.Fatal("expected SSRF error")
	}
}

func TestFetch_RedirectRevalidatesEachHop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.0.0.5/internal", http.StatusFound)
	}))
	defer srv.Close()

	first := true
	allowFirst := func(u string) error {
		if first {
			first = false
			return nil
		}
		return context.DeadlineExceeded
	}

	f := New(Config{URLValidator: allowFirst})
	_, err := f.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected redirect to private IP to be blocked")
	}
}

func TestFetch_HonestUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("<p>hi</p>"))
	}))
	defer srv.Close()

	f := New(Config{URLValidator: noopValidator})
	if _, err := f.Fetch(context.Background(), srv.URL); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !strings.Contains(gotUA, "terascout") {
		t.Errorf("expected honest user agent, got %q", gotUA)
	}
}

func TestFetch_RespectsContextTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte("late"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	f := New(Config{URLValidator: noopValidator})
	_, err := f.Fetch(ctx, srv.URL)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestParseRetryAfter_Seconds(t *testing.T) {
	d := parseRetryAfter("2")
	if d != 2*time.Second {
		t.Errorf("got %v, want 2s", d)
	}
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	when := time.Now().Add(3 * time.Second).UTC()
	d := parseRetryAfter(when.Format(http.TimeFormat))
	if d <= 0 || d > 4*time.Second {
		t.Errorf("got %v, want ~3s", d)
	}
}

func TestParseRetryAfter_Empty(t *testing.T) {
	d := parseRetryAfter("")
	if d != 5*time.Second {
		t.Errorf("got %v, want default 5s", d)
	}
}

func TestParseRetryAfter_Garbage(t *testing.T) {
	d := parseRetryAfter("not-a-number-or-date")
	if d != 5*time.Second {
		t.Errorf("got %v, want default 5s", d)
	}
}
