package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCorrelationGeneratesAndEchoes(t *testing.T) {
	var seen string
	h := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if seen == "" {
		t.Fatal("correlation id missing from context")
	}
	if got := w.Header().Get("X-Correlation-Id"); got != seen {
		t.Errorf("header = %q, context = %q", got, seen)
	}
}

func TestCorrelationHonorsInboundID(t *testing.T) {
	h := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Correlation-Id", "client-supplied")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get("X-Correlation-Id"); got != "client-supplied" {
		t.Errorf("header = %q, want client-supplied", got)
	}
}

func TestDeadlineAppliesDefault(t *testing.T) {
	var hadDeadline bool
	h := Deadline(30*time.Second, time.Second, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hadDeadline = r.Context().Deadline()
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if !hadDeadline {
		t.Fatal("request context should carry a deadline")
	}
	if got := w.Header().Get("X-Request-Timeout"); got != "30s" {
		t.Errorf("X-Request-Timeout = %q, want 30s", got)
	}
	if w.Header().Get("X-Request-Deadline-At") == "" {
		t.Error("missing X-Request-Deadline-At")
	}
}

func TestDeadlineClampsHeaderValue(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"5s", "5s"},
		{"500ms", "1s"},    // below min
		{"10m", "1m0s"},    // above max
		{"garbage", "30s"}, // unparsable falls back to default
	}
	for _, c := range cases {
		h := Deadline(30*time.Second, time.Second, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("X-Request-Timeout", c.header)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if got := w.Header().Get("X-Request-Timeout"); got != c.want {
			t.Errorf("header %q: applied timeout = %q, want %q", c.header, got, c.want)
		}
	}
}
