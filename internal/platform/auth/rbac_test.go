package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

func contextWithRole(role string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if role != "" {
		req = req.WithContext(WithPrincipal(req.Context(), Principal{UserID: uuid.New(), Role: role}))
	}
	return e.NewContext(req, httptest.NewRecorder())
}

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		role    string
		allowed []string
		code    int
	}{
		{"doctor on doctor route", RoleDoctor, []string{RoleDoctor}, 0},
		{"patient on doctor route", RolePatient, []string{RoleDoctor}, http.StatusForbidden},
		{"admin passes everything", RoleAdmin, []string{RoleDoctor}, 0},
		{"either role", RolePatient, []string{RoleDoctor, RolePatient}, 0},
		{"no principal", "", []string{RolePatient}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RequireRole(tt.allowed...)(okHandler)(contextWithRole(tt.role))
			if tt.code == 0 {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			expectStatus(t, err, tt.code)
		})
	}
}
