package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServeDashboard(t *testing.T) {
	rec := httptest.NewRecorder()
	ServeDashboard(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "masking_summary") {
		t.Error("dashboard should subscribe to masking summaries")
	}
}
