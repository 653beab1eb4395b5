package transport

import "testing"

func TestRTTClamping(t *testing.T) {
	r := NewRTTEstimator()
	if r.RTOMillis() != rtoInitMs {
		t.Fatalf("initial rto = %d, want %d", r.RTOMillis(), rtoInitMs)
	}

	r.AddSample(100)
	if r.SRTT() != 100 {
		t.Errorf("srtt after first sample = %v, want 100", r.SRTT())
	}
	if got := r.RTOMillis(); got != 300 {
		t.Errorf("rto after first sample = %d, want 300", got)
	}

	r.AddSample(200)
	if r.SRTT() != 112.5 {
		t.Errorf("srtt after second sample = %v, want 112.5", r.SRTT())
	}
	if got := r.RTOMillis(); got != 363 {
		t.Errorf("rto after second sample = %d, want 363", got)
	}

	for i := 0; i < 20; i++ {
		r.Backoff()
	}
	if got := r.RTOMillis(); got != rtoMaxMs {
		t.Errorf("backoff did not clamp at max: got %d, want %d", got, rtoMaxMs)
	}
}

func TestRTTNoSampleBeforeFirst(t *testing.T) {
	r := NewRTTEstimator()
	if r.HasSamples() {
		t.Error("HasSamples should be false before any AddSample call")
	}
	r.AddSample(50)
	if !r.HasSamples() {
		t.Error("HasSamples should be true after AddSample")
	}
}
