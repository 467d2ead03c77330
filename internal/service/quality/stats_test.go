package quality

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore-backend/internal/domain"
)

func inboundStat(id, kind string, received uint32, lost int32, bytes uint64, jitter float64) webrtc.InboundRTPStreamStats {
	return webrtc.InboundRTPStreamStats{
		ID:              id,
		Type:            webrtc.StatsTypeInboundRTP,
		Kind:            kind,
		PacketsReceived: received,
		PacketsLost:     lost,
		BytesReceived:   bytes,
		Jitter:          jitter,
	}
}

func TestExtract_LossRTTJitter(t *testing.T) {
	report := webrtc.StatsReport{
		"RTCInboundRTPAudioStream_1": inboundStat("RTCInboundRTPAudioStream_1", "audio", 990, 10, 1000, 0.0123),
		"RTCIceCandidatePair_a": webrtc.ICECandidatePairStats{
			ID:                   "RTCIceCandidatePair_a",
			Type:                 webrtc.StatsTypeCandidatePair,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			Nominated:            true,
			CurrentRoundTripTime: 0.0874,
		},
		"RTCRemoteInboundRtpAudioStream_1": webrtc.RemoteInboundRTPStreamStats{
			ID:            "RTCRemoteInboundRtpAudioStream_1",
			Type:          webrtc.StatsTypeRemoteInboundRTP,
			RoundTripTime: 0.5,
		},
	}

	var ext Extractor
	now := time.Now()
	stats := ext.Extract(report, now)

	assert.Equal(t, 1.0, stats.PacketLoss)
	assert.Equal(t, 87, stats.RTT)
	assert.Equal(t, 12.3, stats.Jitter)
	assert.Equal(t, domain.QualityGood, stats.Level)
	assert.Equal(t, now, stats.Timestamp)
	// First sample has nothing to diff against
	assert.Equal(t, domain.Bitrate{}, stats.Bitrate)
}

func TestExtract_RemoteInboundFallback(t *testing.T) {
	report := webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			ID:                   "pair",
			State:                webrtc.StatsICECandidatePairStateInProgress,
			CurrentRoundTripTime: 0.01,
		},
		"remote": webrtc.RemoteInboundRTPStreamStats{ID: "remote", RoundTripTime: 0.2504},
	}

	var ext Extractor
	stats := ext.Extract(report, time.Now())
	assert.Equal(t, 250, stats.RTT)
	assert.Equal(t, domain.QualityFair, stats.Level)
}

func TestExtract_EmptyReport(t *testing.T) {
	var ext Extractor
	stats := ext.Extract(webrtc.StatsReport{}, time.Now())

	assert.Equal(t, 0.0, stats.PacketLoss)
	assert.Equal(t, 0, stats.RTT)
	assert.Equal(t, domain.QualityExcellent, stats.Level)
}

func TestExtract_LastInboundWins(t *testing.T) {
	report := webrtc.StatsReport{
		"b-video": inboundStat("b-video", "video", 900, 100, 0, 0.002),
		"a-audio": inboundStat("a-audio", "audio", 1000, 0, 0, 0.001),
	}

	var ext Extractor
	stats := ext.Extract(report, time.Now())
	// "b-video" sorts last
	assert.Equal(t, 10.0, stats.PacketLoss)
	assert.Equal(t, 2.0, stats.Jitter)
	assert.Equal(t, domain.QualityPoor, stats.Level)
}

func TestExtract_NegativeLoss(t *testing.T) {
	report := webrtc.StatsReport{
		"in": inboundStat("in", "audio", 100, -4, 0, 0),
	}
	var ext Extractor
	assert.Equal(t, 0.0, ext.Extract(report, time.Now()).PacketLoss)
}

func TestExtract_BitrateIsDiffed(t *testing.T) {
	var ext Extractor
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	sample := func(audio, video uint64, at time.Time) domain.Bitrate {
		report := webrtc.StatsReport{
			"audio": inboundStat("audio", "audio", 100, 0, audio, 0),
			"video": inboundStat("video", "video", 100, 0, video, 0),
		}
		return ext.Extract(report, at).Bitrate
	}

	assert.Equal(t, domain.Bitrate{}, sample(10_000, 100_000, t0))

	// 4000 bytes audio, 250000 bytes video over one second
	b := sample(14_000, 350_000, t0.Add(time.Second))
	assert.Equal(t, 32.0, b.Audio)
	assert.Equal(t, 2000.0, b.Video)

	// Same deltas over two seconds halve the rate instead of growing
	b = sample(18_000, 600_000, t0.Add(3*time.Second))
	assert.Equal(t, 16.0, b.Audio)
	assert.Equal(t, 1000.0, b.Video)

	// Counter reset reports zero
	b = sample(500, 600_000, t0.Add(4*time.Second))
	assert.Equal(t, 0.0, b.Audio)
	assert.Equal(t, 0.0, b.Video)

	ext.Reset()
	assert.Equal(t, domain.Bitrate{}, sample(1_000, 1_000, t0.Add(5*time.Second)))
}

func TestExtract_PointerStats(t *testing.T) {
	in := inboundStat("in", "audio", 97, 3, 0, 0)
	report := webrtc.StatsReport{"in": &in}

	var ext Extractor
	assert.Equal(t, 3.0, ext.Extract(report, time.Now()).PacketLoss)
}

func TestParseBrowserStats(t *testing.T) {
	t.Run("array form", func(t *testing.T) {
		data := []byte(`[
			{"id":"IT01V","type":"inbound-rtp","kind":"video","packetsReceived":950,"packetsLost":50,"bytesReceived":123456,"jitter":0.004},
			{"id":"CP01","type":"candidate-pair","state":"succeeded","nominated":true,"currentRoundTripTime":0.12},
			{"id":"T01","type":"transport"}
		]`)

		report, err := ParseBrowserStats(data)
		require.NoError(t, err)
		assert.Len(t, report, 2)

		var ext Extractor
		stats := ext.Extract(report, time.Now())
		assert.Equal(t, 5.0, stats.PacketLoss)
		assert.Equal(t, 120, stats.RTT)
		assert.Equal(t, 4.0, stats.Jitter)
		assert.Equal(t, domain.QualityPoor, stats.Level)
	})

	t.Run("object form with mediaType", func(t *testing.T) {
		data := []byte(`{
			"RTCInboundRTPAudioStream_1": {"type":"inbound-rtp","mediaType":"audio","packetsReceived":100,"packetsLost":0},
			"RTCRemoteInboundRtpAudioStream_1": {"type":"remote-inbound-rtp","roundTripTime":0.05}
		}`)

		report, err := ParseBrowserStats(data)
		require.NoError(t, err)
		require.Len(t, report, 2)

		in, ok := report["RTCInboundRTPAudioStream_1"].(webrtc.InboundRTPStreamStats)
		require.True(t, ok)
		assert.Equal(t, "audio", in.Kind)

		var ext Extractor
		stats := ext.Extract(report, time.Now())
		assert.Equal(t, 50, stats.RTT)
		assert.Equal(t, domain.QualityExcellent, stats.Level)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ParseBrowserStats([]byte(`"nope"`))
		assert.Error(t, err)
	})
}
