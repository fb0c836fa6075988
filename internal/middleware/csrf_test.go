package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/letsmeetup/internal/model"
)

func newCSRFHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	mw := NewCSRFMiddleware(CSRFConfig{})
	return mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func TestCSRFMiddleware_SafeMethods_PassThroughWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			handler := newCSRFHandler(t, &called)

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(method, "/api/session", nil))

			if !called {
				t.Fatalf("handler should have been called for %s", method)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingMethods_RequireToken(t *testing.T) {
	tests := []struct {
		name   string
		method string
		cookie string
		header string
		want   int
	}{
		{"POST Cookieなし", http.MethodPost, "", "abc", http.StatusForbidden},
		{"POST ヘッダーなし", http.MethodPost, "abc", "", http.StatusForbidden},
		{"POST 不一致", http.MethodPost, "abc", "xyz", http.StatusForbidden},
		{"POST 一致", http.MethodPost, "abc", "abc", http.StatusOK},
		{"PUT 一致", http.MethodPut, "abc", "abc", http.StatusOK},
		{"PATCH トークンなし", http.MethodPatch, "", "", http.StatusForbidden},
		{"DELETE トークンなし", http.MethodDelete, "", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := newCSRFHandler(t, &called)

			req := httptest.NewRequest(tt.method, "/api/settings", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if called != (tt.want == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
			if tt.want == http.StatusForbidden {
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode body: %v", err)
				}
				if body.Code != model.ErrCodeCSRFInvalid {
					t.Errorf("code = %q, want %q", body.Code, model.ErrCodeCSRFInvalid)
				}
			}
		})
	}
}

func TestCSRFMiddleware_GETRequest_SetsCookieOnce(t *testing.T) {
	called := false
	handler := newCSRFHandler(t, &called)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	var csrf *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrfCookieName {
			csrf = c
		}
	}
	if csrf == nil || len(csrf.Value) != 64 {
		t.Fatalf("csrf cookie = %+v, want 64 hex chars", csrf)
	}
	if csrf.HttpOnly {
		t.Error("csrf cookie must be readable from JavaScript")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.AddCookie(csrf)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if len(w.Result().Cookies()) != 0 {
		t.Error("既存のCookieがある場合は再設定しない")
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	handler := NewCSRFTokenHandler(CSRFConfig{CookieSecure: true})

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != body["token"] || !cookies[0].Secure {
		t.Fatalf("cookies = %+v, token = %q", cookies, body["token"])
	}

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	json.NewDecoder(w.Body).Decode(&body)
	if body["token"] != "existing" {
		t.Errorf("token = %q, want existing", body["token"])
	}
}

func TestCSRFMiddleware_TrustedOrigins(t *testing.T) {
	tests := []struct {
		name   string
		origin string
		want   int
	}{
		{"Originなし", "", http.StatusOK},
		{"許可されたOrigin", "http://localhost:3000", http.StatusOK},
		{"許可されていないOrigin", "https://evil.example.com", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewCSRFMiddleware(CSRFConfig{TrustedOrigins: []string{"http://localhost:3000"}})(okHandler())

			req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
			req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "abc"})
			req.Header.Set(csrfHeaderName, "abc")
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCSRFMiddleware_CookieMaxAgeFollowsConfig(t *testing.T) {
	handler := NewCSRFMiddleware(CSRFConfig{MaxAge: 3600})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/session", nil))

	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge != 3600 {
		t.Fatalf("cookies = %+v, want one cookie with MaxAge 3600", cookies)
	}
}
