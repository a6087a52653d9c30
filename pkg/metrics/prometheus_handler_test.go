package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusHTTPHandler(t *testing.T) {
	t.Run("basic_metrics_endpoint", func(t *testing.T) {
		// Reset and set up test metrics
		RemindersSentTotal.Reset()
		S3OperationsTotal.Reset()

		RemindersSentTotal.WithLabelValues("sales@example.com", "success").Add(10)
		S3OperationsTotal.WithLabelValues("PUT", "success").Add(5)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("Expected status 200, got %d", resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "chaser_reminders_sent_total") {
			t.Error("Expected chaser_reminders_sent_total metric in response")
		}

		if !strings.Contains(bodyStr, "chaser_s3_operations_total") {
			t.Error("Expected chaser_s3_operations_total metric in response")
		}

		if !strings.Contains(bodyStr, `chaser_reminders_sent_total{mailbox="sales@example.com",result="success"} 10`) {
			t.Error("Expected reminder send total to be 10")
		}

		if !strings.Contains(bodyStr, `chaser_s3_operations_total{operation="PUT",status="success"} 5`) {
			t.Error("Expected S3 PUT operations to be 5")
		}
	})

	t.Run("metrics_format", func(t *testing.T) {
		TicksTotal.Reset()
		FollowupsDue.Set(3)

		TicksTotal.WithLabelValues("sales@example.com", "success").Add(100)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "# HELP chaser_ticks_total Total number of scheduler ticks per mailbox") {
			t.Error("Expected HELP comment for ticks_total")
		}

		if !strings.Contains(bodyStr, "# TYPE chaser_ticks_total counter") {
			t.Error("Expected TYPE comment for ticks_total counter")
		}

		if !strings.Contains(bodyStr, "# TYPE chaser_followups_due gauge") {
			t.Error("Expected TYPE comment for followups_due gauge")
		}
	})

	t.Run("histogram_metrics_format", func(t *testing.T) {
		TickDuration.Reset()

		TickDuration.WithLabelValues("sales@example.com").Observe(0.5)
		TickDuration.WithLabelValues("sales@example.com").Observe(2.0)
		TickDuration.WithLabelValues("sales@example.com").Observe(15.0)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, "# TYPE chaser_tick_duration_seconds histogram") {
			t.Error("Expected TYPE comment for tick_duration histogram")
		}

		if !strings.Contains(bodyStr, "chaser_tick_duration_seconds_bucket{") {
			t.Error("Expected histogram bucket metrics")
		}

		if !strings.Contains(bodyStr, "chaser_tick_duration_seconds_count{mailbox=\"sales@example.com\"} 3") {
			t.Error("Expected histogram count to be 3")
		}

		if !strings.Contains(bodyStr, "chaser_tick_duration_seconds_sum{mailbox=\"sales@example.com\"}") {
			t.Error("Expected histogram sum metric")
		}
	})

	t.Run("multiple_label_values", func(t *testing.T) {
		ClassificationsTotal.Reset()

		ClassificationsTotal.WithLabelValues("genuine", "none").Add(100)
		ClassificationsTotal.WithLabelValues("automated", "header").Add(40)
		ClassificationsTotal.WithLabelValues("automated", "pattern").Add(7)

		handler := promhttp.Handler()
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response body: %v", err)
		}

		bodyStr := string(body)

		expectedMetrics := []string{
			`chaser_classifications_total{signal="none",verdict="genuine"} 100`,
			`chaser_classifications_total{signal="header",verdict="automated"} 40`,
			`chaser_classifications_total{signal="pattern",verdict="automated"} 7`,
		}

		for _, expected := range expectedMetrics {
			if !strings.Contains(bodyStr, expected) {
				t.Errorf("Expected metric: %s", expected)
			}
		}
	})
}

func TestPrometheusHandlerWithCustomRegistry(t *testing.T) {
	t.Run("custom_registry", func(t *testing.T) {
		registry := prometheus.NewRegistry()

		customCounter := prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "test_custom_counter",
				Help: "A custom counter for testing",
			},
			[]string{"label"},
		)

		registry.MustRegister(customCounter)
		customCounter.WithLabelValues("test").Add(42)

		handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("Failed to read response: %v", err)
		}

		bodyStr := string(body)

		if !strings.Contains(bodyStr, `test_custom_counter{label="test"} 42`) {
			t.Error("Expected custom metric value")
		}

		// Custom registry must not leak the default metrics
		if strings.Contains(bodyStr, "chaser_ticks_total") {
			t.Error("Should not contain default metrics when using custom registry")
		}
	})
}

func TestPrometheusHandlerErrorCases(t *testing.T) {
	t.Run("gatherer_error", func(t *testing.T) {
		errorGatherer := &errorGatherer{}

		handler := promhttp.HandlerFor(errorGatherer, promhttp.HandlerOpts{})
		server := httptest.NewServer(handler)
		defer server.Close()

		resp, err := http.Get(server.URL)
		if err != nil {
			t.Fatalf("Failed to get metrics: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("Expected status 500 on gatherer error, got %d", resp.StatusCode)
		}
	})
}

// Mock error gatherer for testing error handling
type errorGatherer struct{}

func (e *errorGatherer) Gather() ([]*dto.MetricFamily, error) {
	return nil, fmt.Errorf("mock gatherer error")
}
