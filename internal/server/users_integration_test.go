package server

import (
	"net/http"
	"testing"
)

func TestGetMe(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)
	account := seedAccount(t, "judy", false)

	rec := performRequest(t, router, http.MethodGet, "/api/users/me", account.Token, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["username"] != "judy" {
		t.Fatalf("unexpected username: %v", body["username"])
	}
	if _, exposed := body["password_hash"]; exposed {
		t.Fatal("password hash must never be exposed")
	}
}

func TestUpdateMeChangesEmailAndResetsConfirmation(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)
	account := seedAccount(t, "kate", false)

	rec := performRequest(t, router, http.MethodPatch, "/api/users/me", account.Token, map[string]any{
		"email":     "new-kate@example.com",
		"full_name": "Kate Example",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeJSONMap(t, rec)
	if body["email"] != "new-kate@example.com" {
		t.Fatalf("unexpected email: %v", body["email"])
	}
	if body["confirmed"] != false {
		t.Fatal("changing the address must reset confirmation")
	}
	if body["full_name"] != "Kate Example" {
		t.Fatalf("unexpected full_name: %v", body["full_name"])
	}
}

func TestUpdateMeRejectsTakenEmail(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)
	account := seedAccount(t, "laura", false)
	seedAccount(t, "mike", false)

	rec := performRequest(t, router, http.MethodPatch, "/api/users/me", account.Token, map[string]any{
		"email": "mike@example.com",
	}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestChangePassword(t *testing.T) {
	resetDatabase(t)
	router := newTestRouter(t)
	account := seedAccount(t, "nina", false)

	rec := performRequest(t, router, http.MethodPatch, "/api/users/me/password", account.Token, map[string]any{
		"old_password": "Wrong-guess1!",
		"new_password": "Next-pass2!",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong old password, got %d", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPatch, "/api/users/me/password", account.Token, map[string]any{
		"old_password": account.Password,
		"new_password": "weak",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for weak new password, got %d", rec.Code)
	}

	rec = performRequest(t, router, http.MethodPatch, "/api/users/me/password", account.Token, map[string]any{
		"old_password": account.Password,
		"new_password": "Next-pass2!",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	rec = performRequest(t, router, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": account.Username,
		"password": "Next-pass2!",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected login with new password to succeed, got %d", rec.Code)
	}
}

func TestDeleteMeCascades(t *testing.T) {
	resetDatabase(t)
	mock := &MockAIClient{ChatReply: "ok"}
	router := newTestRouterWithAI(t, mock)
	account := seedAccount(t, "oscar", false)

	rec := performRequest(t, router, http.MethodPost, "/api/echo/empathetic/send", account.Token, map[string]any{
		"message": "hello",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("chat setup failed: %d", rec.Code)
	}
	seedTestResult(t, account.UserID, "gad7", []int{0, 0, 0, 0, 0, 0, 0}, 0, "minimal anxiety")

	rec = performRequest(t, router, http.MethodDelete, "/api/users/me", account.Token, map[string]any{
		"password": "Wrong-guess1!",
	}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}

	rec = performRequest(t, router, http.MethodDelete, "/api/users/me", account.Token, map[string]any{
		"password": account.Password,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rec.Code, rec.Body.String())
	}

	if countRows(t, "users", "id = $1", account.UserID) != 0 {
		t.Fatal("expected user row to be gone")
	}
	if countRows(t, "conversation_history", "user_id = $1", account.UserID) != 0 {
		t.Fatal("expected conversations to cascade")
	}
	if countRows(t, "psychological_tests", "user_id = $1", account.UserID) != 0 {
		t.Fatal("expected tests to cascade")
	}
}
