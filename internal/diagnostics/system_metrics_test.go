package diagnostics

import (
	"testing"
)

func TestNewSystemMetricsCollector(t *testing.T) {
	t.Parallel()
	c := NewSystemMetricsCollector()
	if c == nil {
		t.Fatal("expected non-nil collector")
	}
}

func TestCollect_ReturnsMetrics(t *testing.T) {
	t.Parallel()
	c := NewSystemMetricsCollector()
	m := c.Collect()

	// Memory should be > 0 on any real system
	if m.MemTotalMB <= 0 {
		t.Error("expected MemTotalMB > 0")
	}
	if m.MemPercent < 0 || m.MemPercent > 100 {
		t.Errorf("MemPercent out of range: %f", m.MemPercent)
	}

	// Disk should be > 0 on any real system
	if m.DiskTotalGB <= 0 {
		t.Error("expected DiskTotalGB > 0")
	}
	if m.DiskPercent < 0 || m.DiskPercent > 100 {
		t.Errorf("DiskPercent out of range: %f", m.DiskPercent)
	}
}

func TestCollect_CPUInfoCached(t *testing.T) {
	t.Parallel()
	c := NewSystemMetricsCollector()

	// First call populates CPU info
	m1 := c.Collect()
	// Second call uses cache
	m2 := c.Collect()

	if m1.CPUModel != m2.CPUModel {
		t.Errorf("CPU model changed between calls: %q vs %q", m1.CPUModel, m2.CPUModel)
	}
	if m1.CPUCores != m2.CPUCores {
		t.Errorf("CPU cores changed between calls: %d vs %d", m1.CPUCores, m2.CPUCores)
	}
	if m1.CPUThreads != m2.CPUThreads {
		t.Errorf("CPU threads changed between calls: %d vs %d", m1.CPUThreads, m2.CPUThreads)
	}
}

func TestCollect_CPUPercentNeedsTwoSamples(t *testing.T) {
	t.Parallel()
	c := NewSystemMetricsCollector()

	// No previous sample to diff against
	m := c.Collect()
	if m.CPUPercent != 0 {
		t.Errorf("expected 0 CPU percent on first collect, got %f", m.CPUPercent)
	}

	m = c.Collect()
	if m.CPUPercent < 0 || m.CPUPercent > 100 {
		t.Errorf("CPUPercent out of range: %f", m.CPUPercent)
	}
}
