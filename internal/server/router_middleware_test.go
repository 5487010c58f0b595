package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newRouterUnderTest(t *testing.T, fixture *handlerFixture) http.Handler {
	t.Helper()
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:   fixture.handler.sessions,
		Users:      fixture.handler.users,
		Quota:      fixture.handler.quota,
		Tokens:     fixture.handler.tokens,
		Changesets: fixture.handler.changesets,
		Lexicon:    fixture.handler.lexicon,
		Mailer:     fixture.mailer,
		AdminKeys:  fixture.handler.adminKeys,
		Limits:     fixture.handler.limits,
	})
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return handler
}

func TestNewHTTPHandlerRejectsMissingDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependencies to fail")
	}
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())
	router := newRouterUnderTest(t, fixture)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/changesets", strings.NewReader(`{"title":"x"}`))
	request.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without header, got %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	request = httptest.NewRequest(http.MethodPost, "/changesets", strings.NewReader(`{"title":"x"}`))
	request.Header.Set("Authorization", "Bearer garbage")
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for a bogus token, got %d", recorder.Code)
	}
}

func TestProtectedRoutesAcceptValidSession(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())
	router := newRouterUnderTest(t, fixture)

	identity, err := fixture.handler.users.EnsureUserByEmail(context.Background(), "a@example.com")
	if err != nil {
		t.Fatalf("failed to ensure user: %v", err)
	}
	token, _, err := fixture.handler.sessions.IssueSessionToken(context.Background(), identity.UserID, identity.Email)
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/changesets", strings.NewReader(`{"title":"First draft"}`))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected authorized create to pass, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["created_by"] != identity.UserID {
		t.Fatalf("expected ownership from the session subject, got %v", payload["created_by"])
	}
}

func TestCORSPreflightAllowsAdminKeyHeader(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())
	router := newRouterUnderTest(t, fixture)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/auth/request-link", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", adminKeyHeader)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight no-content, got %d", recorder.Code)
	}
	allowed := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowed), strings.ToLower(adminKeyHeader)) {
		t.Fatalf("expected %s in allowed headers, got %q", adminKeyHeader, allowed)
	}
}
