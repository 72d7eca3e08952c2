package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/soypat/rdtnet/metrics"
)

func gather(t *testing.T, c *metrics.Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatal(err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			for _, lp := range m.GetLabel() {
				name += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				values[name] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[name] = m.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestCountersIncrement(t *testing.T) {
	c := metrics.New("rdt_test", nil)
	c.SegmentSent(20)
	c.SegmentSent(16)
	c.SegmentReceived(20)
	c.Retransmit()
	c.Dropped("checksum")
	c.Dropped("checksum")
	c.Dropped("unbound")
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	values := gather(t, c)
	want := map[string]float64{
		"rdt_test_segments_sent_total":            2,
		"rdt_test_bytes_sent_total":                36,
		"rdt_test_segments_received_total":         1,
		"rdt_test_retransmits_total":                1,
		"rdt_test_dropped_total{reason=checksum}":   2,
		"rdt_test_dropped_total{reason=unbound}":    1,
		"rdt_test_connections_open":                 1,
		"rdt_test_connections_opened_total":         2,
	}
	for name, wantVal := range want {
		got, ok := values[name]
		if !ok {
			t.Fatalf("missing metric %s (have %v)", name, values)
		}
		if got != wantVal {
			t.Errorf("%s: got %v want %v", name, got, wantVal)
		}
	}
}
