package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func postJSON(t *testing.T, handle gin.HandlerFunc, target, body, userID string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	testContext, _ := gin.CreateTestContext(recorder)
	if userID != "" {
		testContext.Set(userIDContextKey, userID)
	}
	request := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	testContext.Request = request
	handle(testContext)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func tokenFromLink(t *testing.T, link string) string {
	t.Helper()
	parsed, err := url.Parse(link)
	if err != nil {
		t.Fatalf("failed to parse magic link %q: %v", link, err)
	}
	secret := parsed.Query().Get("token")
	if secret == "" {
		t.Fatalf("magic link carries no token: %q", link)
	}
	return secret
}

func TestHandleRequestLinkRejectsMalformedEmail(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())

	recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"not-an-address"}`, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["error"] != "invalid_email" {
		t.Fatalf("unexpected error code %v", payload["error"])
	}
}

func TestHandleRequestLinkRejectsEmptyBody(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())

	recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{}`, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", recorder.Code)
	}
}

func TestHandleRequestLinkDeliversLink(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())

	recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d: %s", recorder.Code, recorder.Body.String())
	}

	link := fixture.mailer.lastLink(t)
	if !strings.HasPrefix(link, "http://localhost:8080/auth/verify?token=") {
		t.Fatalf("unexpected link shape %q", link)
	}
	if !strings.HasPrefix(tokenFromLink(t, link), "knt_") {
		t.Fatalf("expected opaque knt_ secret in link")
	}
}

func TestHandleRequestLinkEnforcesEmailWindow(t *testing.T) {
	limits := defaultTestLimits()
	limits.EmailWindowLimit = 2
	fixture := newHandlerFixture(t, limits)

	for attempt := 0; attempt < 2; attempt++ {
		recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("expected attempt %d to pass, got %d", attempt, recorder.Code)
		}
	}

	recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["error"] != "rate_limited" {
		t.Fatalf("unexpected error code %v", payload["error"])
	}
	if retryAfter, ok := payload["retry_after"].(float64); !ok || retryAfter < 1 {
		t.Fatalf("expected positive retry_after, got %v", payload["retry_after"])
	}
}

func TestHandleRequestLinkEnforcesCooldown(t *testing.T) {
	limits := defaultTestLimits()
	limits.Cooldown = time.Minute
	fixture := newHandlerFixture(t, limits)

	recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", recorder.Code)
	}

	recorder = postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	if recorder.Code != http.StatusTooManyRequests {
		t.Fatalf("expected cooldown rejection, got %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if retryAfter, ok := payload["retry_after"].(float64); !ok || int64(retryAfter) != 60 {
		t.Fatalf("expected 60s retry hint, got %v", payload["retry_after"])
	}

	// A different address is not bound by this subject's cooldown.
	recorder = postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"b@example.com"}`, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected other subject to pass, got %d", recorder.Code)
	}

	fixture.clock.Advance(61)
	recorder = postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected request after cooldown to pass, got %d", recorder.Code)
	}
}

func getVerify(t *testing.T, handler *httpHandler, secret string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	testContext, _ := gin.CreateTestContext(recorder)
	testContext.Request = httptest.NewRequest(http.MethodGet, "/auth/verify?token="+url.QueryEscape(secret), http.NoBody)
	handler.handleVerify(testContext)
	return recorder
}

func TestHandleVerifyExchangesTokenForSession(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())

	recorder := postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("request-link failed: %d", recorder.Code)
	}
	secret := tokenFromLink(t, fixture.mailer.lastLink(t))

	recorder = getVerify(t, fixture.handler, secret)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected verify to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["user_id"] == "" || payload["access_token"] == "" {
		t.Fatalf("incomplete session payload: %v", payload)
	}
	if payload["token_type"] != "Bearer" {
		t.Fatalf("unexpected token type %v", payload["token_type"])
	}
	if apiKey, _ := payload["api_key"].(string); !strings.HasPrefix(apiKey, "knt_") {
		t.Fatalf("expected a rotated opaque key, got %v", payload["api_key"])
	}

	subject, err := fixture.handler.sessions.ValidateToken(payload["access_token"].(string))
	if err != nil {
		t.Fatalf("issued session failed validation: %v", err)
	}
	if subject != payload["user_id"] {
		t.Fatalf("session subject %q does not match user %v", subject, payload["user_id"])
	}
}

func TestHandleVerifyDistinguishesRejections(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())

	recorder := getVerify(t, fixture.handler, "knt_bogus")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["error"] != "TOKEN_INVALID" {
		t.Fatalf("expected TOKEN_INVALID, got %v", payload["error"])
	}

	postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"a@example.com"}`, "")
	secret := tokenFromLink(t, fixture.mailer.lastLink(t))

	if recorder := getVerify(t, fixture.handler, secret); recorder.Code != http.StatusOK {
		t.Fatalf("first verify failed: %d", recorder.Code)
	}
	recorder = getVerify(t, fixture.handler, secret)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected reuse to be unauthorized, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["error"] != "TOKEN_USED" {
		t.Fatalf("expected TOKEN_USED, got %v", payload["error"])
	}

	postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"b@example.com"}`, "")
	expiredSecret := tokenFromLink(t, fixture.mailer.lastLink(t))
	fixture.clock.Advance(16 * 60)
	recorder = getVerify(t, fixture.handler, expiredSecret)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected expiry to be unauthorized, got %d", recorder.Code)
	}
	if payload := decodeBody(t, recorder); payload["error"] != "TOKEN_EXPIRED" {
		t.Fatalf("expected TOKEN_EXPIRED, got %v", payload["error"])
	}
}

func TestHandleLinkAccountRebindsEmail(t *testing.T) {
	fixture := newHandlerFixture(t, defaultTestLimits())

	postJSON(t, fixture.handler.handleRequestLink, "/auth/request-link", `{"email":"old@example.com"}`, "")
	recorder := getVerify(t, fixture.handler, tokenFromLink(t, fixture.mailer.lastLink(t)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("sign-in failed: %d", recorder.Code)
	}
	userID := decodeBody(t, recorder)["user_id"].(string)

	recorder = postJSON(t, fixture.handler.handleLinkAccount, "/auth/link-account", `{"email":"new@example.com"}`, userID)
	if recorder.Code != http.StatusOK {
		t.Fatalf("link-account request failed: %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = getVerify(t, fixture.handler, tokenFromLink(t, fixture.mailer.lastLink(t)))
	if recorder.Code != http.StatusOK {
		t.Fatalf("link verify failed: %d: %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["user_id"] != userID {
		t.Fatalf("expected the original account, got %v", payload["user_id"])
	}

	identity, err := fixture.handler.users.User(httptest.NewRequest(http.MethodGet, "/", http.NoBody).Context(), userID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if identity.Email != "new@example.com" {
		t.Fatalf("expected relinked email, got %q", identity.Email)
	}
}
