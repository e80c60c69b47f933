package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	logger := zap.NewNop()
	collector := NewCollector("ventureval", logger)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.admissionTotal)
	assert.NotNil(t, collector.estimatedCost)
	assert.NotNil(t, collector.stageExecutionsTotal)

	// 独立 Registry，多实例不冲突
	other := NewCollector("ventureval", logger)
	assert.NotNil(t, other)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector("ventureval", zap.NewNop())

	collector.RecordHTTPRequest("POST", "/api/evaluate", 200, 100*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/api/evaluate", 429, 5*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Equal(t, 2, count)
}

func TestCollector_RecordAdmission(t *testing.T) {
	collector := NewCollector("ventureval", zap.NewNop())

	collector.RecordAdmission("allowed")
	collector.RecordAdmission("rate_limited")
	collector.RecordRateLimitDenied("ip", "/api/evaluate")
	collector.RecordBudgetDenied("hourly")
	collector.RecordDegraded("rate_limit")

	assert.Equal(t, 2, testutil.CollectAndCount(collector.admissionTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.rateLimitDenied))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.budgetDenied))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.degradedTotal))
}

func TestCollector_RecordCost(t *testing.T) {
	collector := NewCollector("ventureval", zap.NewNop())

	collector.RecordEstimate("gpt-4", 0.05)
	collector.RecordActualCost("gpt-4", 0.04, 500, 100)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.estimatedCost))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.actualCost))
	// prompt 和 completion 两个序列
	assert.Equal(t, 2, testutil.CollectAndCount(collector.tokensUsed))
}

func TestCollector_RecordStageExecution(t *testing.T) {
	collector := NewCollector("ventureval", zap.NewNop())

	collector.RecordStageExecution("market_node", "success", time.Second)
	collector.RecordStageExecution("finance_node", "error", 2*time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.stageExecutionsTotal))
}

func TestCollector_Handler(t *testing.T) {
	collector := NewCollector("ventureval", zap.NewNop())
	collector.RecordAdmission("allowed")

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ventureval_admission_total")
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector("ventureval", zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("POST", "/api/evaluate", 200, 100*time.Millisecond)
			collector.RecordAdmission("allowed")
			collector.RecordEventPublished("started")
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Greater(t, testutil.CollectAndCount(collector.httpRequestsTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.admissionTotal), 0)
	assert.Greater(t, testutil.CollectAndCount(collector.eventsPublished), 0)
}
