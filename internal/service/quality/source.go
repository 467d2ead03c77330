package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
)

var (
	// ErrConnectionClosed is returned by a source whose peer connection is gone
	ErrConnectionClosed = errors.New("peer connection closed")
	// ErrNoStats is returned when no fresh report is available yet
	ErrNoStats = errors.New("no stats available")
)

// StatsSource is a peer connection handle the sampler can poll
type StatsSource interface {
	GetStats(ctx context.Context) (webrtc.StatsReport, error)
}

// PeerConnectionSource reads stats from a server-side pion peer connection
type PeerConnectionSource struct {
	pc *webrtc.PeerConnection
}

// NewPeerConnectionSource wraps pc
func NewPeerConnectionSource(pc *webrtc.PeerConnection) *PeerConnectionSource {
	return &PeerConnectionSource{pc: pc}
}

// GetStats implements StatsSource
func (s *PeerConnectionSource) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil, ErrConnectionClosed
	}
	return s.pc.GetStats(), nil
}

// ReportedSource holds the latest stats a client pushed over the websocket.
// Reports older than maxAge are treated as missing.
type ReportedSource struct {
	mu     sync.RWMutex
	report webrtc.StatsReport
	at     time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewReportedSource creates an empty source
func NewReportedSource(maxAge time.Duration) *ReportedSource {
	return &ReportedSource{maxAge: maxAge, now: time.Now}
}

// Update parses a browser RTCStatsReport and stores it
func (s *ReportedSource) Update(data []byte) error {
	report, err := ParseBrowserStats(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.report = report
	s.at = s.now()
	s.mu.Unlock()
	return nil
}

// GetStats implements StatsSource
func (s *ReportedSource) GetStats(ctx context.Context) (webrtc.StatsReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.report == nil {
		return nil, ErrNoStats
	}
	if s.maxAge > 0 && s.now().Sub(s.at) > s.maxAge {
		return nil, ErrNoStats
	}
	return s.report, nil
}

// browserStat is the subset of RTCStats fields the extractor uses
type browserStat struct {
	ID                   string  `json:"id"`
	Type                 string  `json:"type"`
	Kind                 string  `json:"kind"`
	MediaType            string  `json:"mediaType"`
	PacketsReceived      uint32  `json:"packetsReceived"`
	PacketsLost          int32   `json:"packetsLost"`
	BytesReceived        uint64  `json:"bytesReceived"`
	Jitter               float64 `json:"jitter"`
	State                string  `json:"state"`
	Nominated            bool    `json:"nominated"`
	CurrentRoundTripTime float64 `json:"currentRoundTripTime"`
	RoundTripTime        float64 `json:"roundTripTime"`
}

// ParseBrowserStats accepts an RTCStatsReport serialized either as an array of
// stats or as an object keyed by stats id. Unknown stats types are dropped.
func ParseBrowserStats(data []byte) (webrtc.StatsReport, error) {
	var list []browserStat
	if err := json.Unmarshal(data, &list); err != nil {
		var byID map[string]browserStat
		if err2 := json.Unmarshal(data, &byID); err2 != nil {
			return nil, fmt.Errorf("invalid stats report: %w", err)
		}
		list = make([]browserStat, 0, len(byID))
		for id, st := range byID {
			if st.ID == "" {
				st.ID = id
			}
			list = append(list, st)
		}
	}

	report := make(webrtc.StatsReport, len(list))
	for i, st := range list {
		id := st.ID
		if id == "" {
			id = fmt.Sprintf("stat-%d", i)
		}
		kind := st.Kind
		if kind == "" {
			// Older browsers only set mediaType
			kind = st.MediaType
		}

		switch webrtc.StatsType(st.Type) {
		case webrtc.StatsTypeInboundRTP:
			report[id] = webrtc.InboundRTPStreamStats{
				ID:              id,
				Type:            webrtc.StatsTypeInboundRTP,
				Kind:            kind,
				PacketsReceived: st.PacketsReceived,
				PacketsLost:     st.PacketsLost,
				BytesReceived:   st.BytesReceived,
				Jitter:          st.Jitter,
			}
		case webrtc.StatsTypeRemoteInboundRTP:
			report[id] = webrtc.RemoteInboundRTPStreamStats{
				ID:            id,
				Type:          webrtc.StatsTypeRemoteInboundRTP,
				Kind:          kind,
				RoundTripTime: st.RoundTripTime,
			}
		case webrtc.StatsTypeCandidatePair:
			report[id] = webrtc.ICECandidatePairStats{
				ID:                   id,
				Type:                 webrtc.StatsTypeCandidatePair,
				State:                webrtc.StatsICECandidatePairState(st.State),
				Nominated:            st.Nominated,
				CurrentRoundTripTime: st.CurrentRoundTripTime,
			}
		}
	}
	return report, nil
}
