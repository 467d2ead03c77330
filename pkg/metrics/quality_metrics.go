package metrics

// Quality metrics for monitoring peer connection health

// IncMonitored tracks a sampler starting
func (m *Metrics) IncMonitored() {
	m.qualityMonitored.Inc()
}

// DecMonitored tracks a sampler stopping
func (m *Metrics) DecMonitored() {
	m.qualityMonitored.Dec()
}

// RecordQualitySample records one classified snapshot
func (m *Metrics) RecordQualitySample(level string, rttMs int, packetLoss float64) {
	m.qualitySamplesTotal.WithLabelValues(level).Inc()
	m.qualityRTT.Observe(float64(rttMs))
	m.qualityPacketLoss.Observe(packetLoss)
}

// RecordQualityChange records a level transition
func (m *Metrics) RecordQualityChange(from, to string) {
	m.qualityChangesTotal.WithLabelValues(from, to).Inc()
}

// RecordStatsFailure records a skipped tick
func (m *Metrics) RecordStatsFailure() {
	m.qualityStatsFailures.Inc()
}
