package quality

import (
	"math"
	"sort"
	"time"

	"github.com/pion/webrtc/v3"

	"callcore-backend/internal/domain"
)

// byteCounters is the cumulative receive state from the previous tick
type byteCounters struct {
	audio uint64
	video uint64
	at    time.Time
}

// Extractor turns StatsReports into QualityStats. It keeps the previous
// tick's byte counters so bitrate is a rate, not a running total. An
// Extractor belongs to one sampler goroutine and is not safe for concurrent use.
type Extractor struct {
	prev *byteCounters
}

// Reset forgets the previous counters; the next sample reports zero bitrate
func (e *Extractor) Reset() {
	e.prev = nil
}

type inbound struct {
	kind            string
	packetsReceived uint64
	packetsLost     int64
	bytesReceived   uint64
	jitter          float64 // seconds
}

// Extract reads one report. Reports are visited in sorted id order so that
// "last inbound stream wins" for loss and jitter is deterministic.
func (e *Extractor) Extract(report webrtc.StatsReport, now time.Time) domain.QualityStats {
	ids := make([]string, 0, len(report))
	for id := range report {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var (
		last                   *inbound
		audioBytes, videoBytes uint64
	)
	pairRTT, remoteRTT := -1.0, -1.0

	for _, id := range ids {
		switch s := report[id].(type) {
		case webrtc.InboundRTPStreamStats:
			in := fromInbound(&s)
			last = &in
			audioBytes, videoBytes = addBytes(in, audioBytes, videoBytes)
		case *webrtc.InboundRTPStreamStats:
			in := fromInbound(s)
			last = &in
			audioBytes, videoBytes = addBytes(in, audioBytes, videoBytes)
		case webrtc.ICECandidatePairStats:
			if rtt, ok := activePairRTT(&s); ok {
				pairRTT = rtt
			}
		case *webrtc.ICECandidatePairStats:
			if rtt, ok := activePairRTT(s); ok {
				pairRTT = rtt
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if s.RoundTripTime > 0 {
				remoteRTT = s.RoundTripTime
			}
		case *webrtc.RemoteInboundRTPStreamStats:
			if s.RoundTripTime > 0 {
				remoteRTT = s.RoundTripTime
			}
		}
	}

	stats := domain.QualityStats{Timestamp: now}

	if last != nil {
		stats.PacketLoss = lossPercent(last.packetsLost, last.packetsReceived)
		stats.Jitter = round2(last.jitter * 1000)
	}

	switch {
	case pairRTT >= 0:
		stats.RTT = secondsToMillis(pairRTT)
	case remoteRTT >= 0:
		stats.RTT = secondsToMillis(remoteRTT)
	}

	stats.Bitrate = e.bitrate(audioBytes, videoBytes, now)
	stats.Level = Classify(stats.PacketLoss, stats.RTT)
	return stats
}

func (e *Extractor) bitrate(audio, video uint64, now time.Time) domain.Bitrate {
	prev := e.prev
	e.prev = &byteCounters{audio: audio, video: video, at: now}
	if prev == nil {
		return domain.Bitrate{}
	}

	seconds := now.Sub(prev.at).Seconds()
	if seconds <= 0 {
		return domain.Bitrate{}
	}
	return domain.Bitrate{
		Audio: kbps(prev.audio, audio, seconds),
		Video: kbps(prev.video, video, seconds),
	}
}

func fromInbound(s *webrtc.InboundRTPStreamStats) inbound {
	return inbound{
		kind:            s.Kind,
		packetsReceived: uint64(s.PacketsReceived),
		packetsLost:     int64(s.PacketsLost),
		bytesReceived:   s.BytesReceived,
		jitter:          s.Jitter,
	}
}

func addBytes(in inbound, audio, video uint64) (uint64, uint64) {
	switch in.kind {
	case "audio":
		audio += in.bytesReceived
	case "video":
		video += in.bytesReceived
	}
	return audio, video
}

func activePairRTT(s *webrtc.ICECandidatePairStats) (float64, bool) {
	if !s.Nominated && s.State != webrtc.StatsICECandidatePairStateSucceeded {
		return 0, false
	}
	if s.CurrentRoundTripTime <= 0 {
		return 0, false
	}
	return s.CurrentRoundTripTime, true
}

// lossPercent is lost/(lost+received)*100; RTCP can report negative loss
// when duplicates arrive, which counts as none.
func lossPercent(lost int64, received uint64) float64 {
	if lost < 0 {
		lost = 0
	}
	total := float64(lost) + float64(received)
	if total == 0 {
		return 0
	}
	return round2(float64(lost) / total * 100)
}

// kbps returns 0 on counter resets
func kbps(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return round2(float64(cur-prev) * 8 / seconds / 1000)
}

func secondsToMillis(s float64) int {
	return int(math.Round(s * 1000))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
