package config

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigMetrics(t *testing.T) {
	m := NewConfigMetrics("testcomp")

	if m.ComponentName() != "testcomp" {
		t.Errorf("expected component name 'testcomp', got %q", m.ComponentName())
	}

	m.RecordValidationError("field_a")
	m.RecordValidationError("field_a")
	if got := testutil.ToFloat64(m.ValidationErrorsTotal.WithLabelValues("field_a")); got != 2 {
		t.Errorf("expected 2 validation errors, got %v", got)
	}

	m.RecordFallback("field_a", "default")
	if got := testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("field_a", "default")); got != 1 {
		t.Errorf("expected 1 fallback, got %v", got)
	}

	m.SetFallbackActive(true)
	if got := testutil.ToFloat64(m.FallbackActive); got != 1 {
		t.Errorf("expected fallback_active=1, got %v", got)
	}
	m.SetFallbackActive(false)
	if got := testutil.ToFloat64(m.FallbackActive); got != 0 {
		t.Errorf("expected fallback_active=0, got %v", got)
	}

	m.RecordLoadTimestamp()
	if got := testutil.ToFloat64(m.LoadTimestamp); got <= 0 {
		t.Errorf("expected load timestamp set, got %v", got)
	}
}
