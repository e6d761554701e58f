package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 記録したゲートウェイのメトリクスが/metricsのテキスト形式で公開されることを検証
func TestSetupMetricsRoute_ExposesGatewayMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSignUp()
	c.RecordSignIn("invalid_credentials")
	c.RecordPolicyDenial("favorites", "delete")
	c.RecordTableOperation("venues", "select", 12*time.Millisecond)

	w := httptest.NewRecorder()
	SetupMetricsRoute(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body, _ := io.ReadAll(w.Result().Body)
	for _, want := range []string{
		"japinait_sign_up_total 1",
		`japinait_sign_in_total{result="invalid_credentials"} 1`,
		`japinait_policy_denials_total{op="delete",table="favorites"} 1`,
		"japinait_table_operation_seconds_count",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("response should contain %q", want)
		}
	}
}
