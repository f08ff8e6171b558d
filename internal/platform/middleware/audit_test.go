package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/imis/insuree/internal/platform/auth"
)

func TestAudit_RecordsMutation(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/insurees/6f1c7c2e-0000-4000-8000-000000000001", nil)
	req.Header.Set(ClientMutationIDHeader, "cm-42")
	req = req.WithContext(auth.WithClaims(context.Background(), &auth.Claims{Roles: []string{auth.RoleEnrolmentOfficer}, AuditUserID: 7}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-9")

	var got AuditEntry
	rec1 := AuditRecorderFunc(func(entry AuditEntry) error {
		got = entry
		return nil
	})

	h := Audit(zerolog.Nop(), rec1)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.Action != "update" {
		t.Errorf("expected action update, got %s", got.Action)
	}
	if got.Entity != "insuree" || got.EntityUUID != "6f1c7c2e-0000-4000-8000-000000000001" {
		t.Errorf("unexpected entity %s/%s", got.Entity, got.EntityUUID)
	}
	if got.ClientMutationID != "cm-42" {
		t.Errorf("expected client mutation id cm-42, got %s", got.ClientMutationID)
	}
	if got.AuditUserID != 7 {
		t.Errorf("expected audit user 7, got %d", got.AuditUserID)
	}
	if got.RequestID != "rid-9" {
		t.Errorf("expected request id rid-9, got %s", got.RequestID)
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	called := false
	rec := AuditRecorderFunc(func(AuditEntry) error {
		called = true
		return nil
	})
	Audit(zerolog.Nop(), rec)(okHandler)(c)
	if called {
		t.Error("expected /health to be skipped")
	}
}

func TestAudit_RecorderErrorDoesNotFailRequest(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/families", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	rec := AuditRecorderFunc(func(AuditEntry) error { return errors.New("store down") })
	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestExtractEntity(t *testing.T) {
	tests := []struct {
		path       string
		wantEntity string
		wantUUID   string
	}{
		{"/api/v1/insurees", "insuree", ""},
		{"/api/v1/families/abc", "family", "abc"},
		{"/api/v1/insurees/abc/photo", "photo", "abc"},
		{"/api/v1/lookups/gender", "lookup", "gender"},
		{"/api/v1/", "", ""},
	}
	for _, tt := range tests {
		entity, id := extractEntity(tt.path)
		if entity != tt.wantEntity || id != tt.wantUUID {
			t.Errorf("extractEntity(%q) = %q, %q; want %q, %q", tt.path, entity, id, tt.wantEntity, tt.wantUUID)
		}
	}
}

func TestHTTPMethodToAction(t *testing.T) {
	cases := map[string]string{
		http.MethodGet:    "read",
		http.MethodPost:   "create",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
		"TRACE":           "unknown",
	}
	for m, want := range cases {
		if got := httpMethodToAction(m); got != want {
			t.Errorf("httpMethodToAction(%s) = %s, want %s", m, got, want)
		}
	}
}
