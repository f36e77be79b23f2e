package server

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics. All counters use atomic
// operations for lock-free access from the datapath.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TLS connections accepted
	ActiveConnections atomic.Int64 // currently connected
	FailedAuths       atomic.Int64
	SuccessfulAuths   atomic.Int64
	TotalDisconnects  atomic.Int64

	// Datapath counters
	VoicePacketsIn      atomic.Int64 // valid voice datagrams received
	VoicePacketsOut     atomic.Int64 // datagrams sent over UDP
	VoicePacketsDropped atomic.Int64 // runt, oversize, undecryptable, unauthorized
	VoiceBytesIn        atomic.Int64
	VoiceBytesOut       atomic.Int64
	BandwidthDrops      atomic.Int64 // packets suppressed by the bandwidth gate
	TunneledFramesIn    atomic.Int64 // voice arriving over TLS
	TunneledFramesOut   atomic.Int64 // voice delivered over TLS
	ResyncRequests      atomic.Int64 // crypt resyncs solicited
	EventsDropped       atomic.Int64 // datapath-to-control queue overflow
	PeerMigrations      atomic.Int64 // host-to-peer index moves

	// Control counters
	ChannelsCreated atomic.Int64
	ChannelsDeleted atomic.Int64
	KickCount       atomic.Int64
	BanCount        atomic.Int64
}

// NewMetrics returns a Metrics with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// Uptime returns how long the server has been running.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	slog.Info("metrics",
		"uptime", m.Uptime().Truncate(time.Second).String(),
		"connections", m.ActiveConnections.Load(),
		"total_connections", m.TotalConnections.Load(),
		"voice_pkts_in", m.VoicePacketsIn.Load(),
		"voice_pkts_out", m.VoicePacketsOut.Load(),
		"voice_pkts_dropped", m.VoicePacketsDropped.Load(),
		"bandwidth_drops", m.BandwidthDrops.Load(),
		"tunneled_out", m.TunneledFramesOut.Load(),
		"resyncs", m.ResyncRequests.Load(),
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval
// until done is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
