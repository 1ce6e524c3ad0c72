package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/chalabi2/rpc-gateway/internal/store"
)

func newService(t *testing.T) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewService(mem, "test-secret", zaptest.NewLogger(t)), mem
}

func register(t *testing.T, s *Service, email, password string) tokenResponse {
	t.Helper()
	body := `{"email":"` + email + `","password":"` + password + `"}`
	r := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.HandleRegister(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	s, _ := newService(t)
	reg := register(t, s, "dev@example.com", "hunter22!")

	if reg.Token == "" || reg.User.Email != "dev@example.com" {
		t.Fatalf("register response = %+v", reg)
	}
	if reg.User.IsAdmin {
		t.Error("fresh accounts must not be admin")
	}

	r := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"DEV@example.com","password":"hunter22!"}`))
	w := httptest.NewRecorder()
	s.HandleLogin(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", w.Code, w.Body.String())
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	s, _ := newService(t)
	register(t, s, "dev@example.com", "hunter22!")

	r := httptest.NewRequest(http.MethodPost, "/auth/register",
		strings.NewReader(`{"email":"dev@example.com","password":"hunter22!"}`))
	w := httptest.NewRecorder()
	s.HandleRegister(w, r)
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate register status = %d, want 409", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newService(t)
	cases := []struct {
		name string
		body string
	}{
		{"no email", `{"password":"hunter22!"}`},
		{"bad email", `{"email":"nope","password":"hunter22!"}`},
		{"short password", `{"email":"dev@example.com","password":"short"}`},
		{"malformed json", `{`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/auth/register", strings.NewReader(c.body))
			w := httptest.NewRecorder()
			s.HandleRegister(w, r)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestLoginWrongPassword(t *testing.T) {
	s, _ := newService(t)
	register(t, s, "dev@example.com", "hunter22!")

	r := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"dev@example.com","password":"wrong-pass"}`))
	w := httptest.NewRecorder()
	s.HandleLogin(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestLoginInactiveAccount(t *testing.T) {
	s, mem := newService(t)
	reg := register(t, s, "dev@example.com", "hunter22!")

	inactive := false
	if _, err := mem.UpdateUser(context.Background(), reg.User.ID, store.UserPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}

	r := httptest.NewRequest(http.MethodPost, "/auth/login",
		strings.NewReader(`{"email":"dev@example.com","password":"hunter22!"}`))
	w := httptest.NewRecorder()
	s.HandleLogin(w, r)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestMiddlewareAttachesPrincipal(t *testing.T) {
	s, _ := newService(t)
	reg := register(t, s, "dev@example.com", "hunter22!")

	var got Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
	})

	r := httptest.NewRequest(http.MethodGet, "/auth/account", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	s.Middleware(next).ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got.UserID != reg.User.ID || got.IsAdmin {
		t.Errorf("principal = %+v", got)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	s, _ := newService(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run")
	})

	for _, header := range []string{"", "Bearer garbage", "Basic abc"} {
		r := httptest.NewRequest(http.MethodGet, "/auth/account", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		s.Middleware(next).ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, w.Code)
		}
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s, _ := newService(t)
	reg := register(t, s, "dev@example.com", "hunter22!")

	// Shift verification time past the 24h TTL.
	s.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if _, err := s.VerifyToken(reg.Token); err == nil {
		t.Error("expired token must be rejected")
	}
}

func TestRequireAdmin(t *testing.T) {
	s, mem := newService(t)
	reg := register(t, s, "dev@example.com", "hunter22!")

	handler := s.Middleware(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	r := httptest.NewRequest(http.MethodGet, "/admin/chains", nil)
	r.Header.Set("Authorization", "Bearer "+reg.Token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin status = %d, want 403", w.Code)
	}

	// Promote and re-login: the admin bit rides in the token.
	admin := true
	if _, err := mem.UpdateUser(context.Background(), reg.User.ID, store.UserPatch{IsAdmin: &admin}); err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	u, _ := mem.GetUser(context.Background(), reg.User.ID)
	token, err := s.IssueToken(u)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/chains", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Errorf("admin status = %d, want 204", w.Code)
	}
}
