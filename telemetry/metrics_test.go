package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(200))
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "3xx", StatusClass(304))
	require.Equal(t, "4xx", StatusClass(416))
	require.Equal(t, "5xx", StatusClass(502))
	require.Equal(t, "unknown", StatusClass(99))
}

func TestRecordersSafeWhenUninitialised(t *testing.T) {
	// None of these should panic before InitMetrics has run.
	ctx := context.Background()
	r := InjectTags(httptest.NewRequest("GET", "/content", nil))

	RecordHTTP(ctx, r, 200, 1024, 5*time.Millisecond)
	RecordBackendOp(ctx, "filesystem", "write", "success", time.Millisecond, 10)
	RecordRemoteCall(ctx, "clouddrive", time.Millisecond, 10, "success")
	RecordContentWrite(ctx, 2048, true)
	RecordLockAcquire(ctx, "acquired")
	RecordLockWait(ctx, time.Millisecond, true)
	RecordReaperCycle(ctx, "sessions", 3, time.Millisecond)
}

func TestPrometheusHandlerNotFoundWhenDisabled(t *testing.T) {
	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 404, w.Code)
}
