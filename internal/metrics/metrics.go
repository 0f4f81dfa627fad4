package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ghostlink"

type Snapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Discovery   DiscoveryMetrics `json:"discovery"`
	Channel     ChannelMetrics   `json:"channel"`
	EventDrops  uint64           `json:"event_drops"`
}

type DiscoveryMetrics struct {
	RequestsSent     uint64 `json:"requests_sent"`
	RepliesSent      uint64 `json:"replies_sent"`
	DropCooldown     uint64 `json:"drop_cooldown"`
	DropSelf         uint64 `json:"drop_self"`
	DropUnknown      uint64 `json:"drop_unknown"`
	PeersDiscovered  uint64 `json:"peers_discovered"`
	DuplicateReplies uint64 `json:"duplicate_replies"`
}

type ChannelMetrics struct {
	Opened           uint64 `json:"opened"`
	Closed           uint64 `json:"closed"`
	Open             int64  `json:"open"`
	HandshakeFail    uint64 `json:"handshake_fail"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	DecryptFail      uint64 `json:"decrypt_fail"`
	Rejected         uint64 `json:"rejected"`
}

// Metrics is safe for concurrent use. A nil *Metrics discards everything.
type Metrics struct {
	requestsSent     atomic.Uint64
	repliesSent      atomic.Uint64
	dropCooldown     atomic.Uint64
	dropSelf         atomic.Uint64
	dropUnknown      atomic.Uint64
	peersDiscovered  atomic.Uint64
	duplicateReplies atomic.Uint64
	opened           atomic.Uint64
	closed           atomic.Uint64
	open             atomic.Int64
	handshakeFail    atomic.Uint64
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	decryptFail      atomic.Uint64
	rejected         atomic.Uint64
	eventDrops       atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registry.MustRegister(
		counterFunc("discovery_requests_sent_total", "Discovery requests broadcast", &m.requestsSent),
		counterFunc("discovery_replies_sent_total", "Discovery replies unicast", &m.repliesSent),
		counterFunc("discovery_drop_cooldown_total", "Discovery requests dropped by the cooldown window", &m.dropCooldown),
		counterFunc("discovery_drop_self_total", "Datagrams dropped by the self filter", &m.dropSelf),
		counterFunc("discovery_drop_unknown_total", "Datagrams without a discovery marker", &m.dropUnknown),
		counterFunc("discovery_peers_total", "Distinct peers discovered", &m.peersDiscovered),
		counterFunc("discovery_duplicate_replies_total", "Replies from already discovered peers", &m.duplicateReplies),
		counterFunc("channels_opened_total", "Channels that reached Ready", &m.opened),
		counterFunc("channels_closed_total", "Channels closed after reaching Ready", &m.closed),
		counterFunc("handshake_failures_total", "Channels closed before Ready", &m.handshakeFail),
		counterFunc("messages_sent_total", "Encrypted frames written", &m.messagesSent),
		counterFunc("messages_received_total", "Encrypted frames decrypted", &m.messagesReceived),
		counterFunc("decrypt_failures_total", "Inbound frames that failed to decrypt", &m.decryptFail),
		counterFunc("channels_rejected_total", "Inbound connections refused by limits", &m.rejected),
		counterFunc("event_drops_total", "Events dropped because a subscriber was slow", &m.eventDrops),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels_open",
			Help:      "Channels currently Ready",
		}, func() float64 { return float64(m.open.Load()) }),
	)
	return m
}

func counterFunc(name, help string, v *atomic.Uint64) prometheus.Collector {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) })
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRequestsSent() {
	if m == nil {
		return
	}
	m.requestsSent.Add(1)
}

func (m *Metrics) IncRepliesSent() {
	if m == nil {
		return
	}
	m.repliesSent.Add(1)
}

func (m *Metrics) IncDropCooldown() {
	if m == nil {
		return
	}
	m.dropCooldown.Add(1)
}

func (m *Metrics) IncDropSelf() {
	if m == nil {
		return
	}
	m.dropSelf.Add(1)
}

func (m *Metrics) IncDropUnknown() {
	if m == nil {
		return
	}
	m.dropUnknown.Add(1)
}

func (m *Metrics) IncPeersDiscovered() {
	if m == nil {
		return
	}
	m.peersDiscovered.Add(1)
}

func (m *Metrics) IncDuplicateReplies() {
	if m == nil {
		return
	}
	m.duplicateReplies.Add(1)
}

func (m *Metrics) IncHandshakeFail() {
	if m == nil {
		return
	}
	m.handshakeFail.Add(1)
}

func (m *Metrics) IncMessagesSent() {
	if m == nil {
		return
	}
	m.messagesSent.Add(1)
}

func (m *Metrics) IncMessagesReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Add(1)
}

func (m *Metrics) IncDecryptFail() {
	if m == nil {
		return
	}
	m.decryptFail.Add(1)
}

func (m *Metrics) IncRejected() {
	if m == nil {
		return
	}
	m.rejected.Add(1)
}

func (m *Metrics) IncEventDrops() {
	if m == nil {
		return
	}
	m.eventDrops.Add(1)
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.opened.Add(1)
	m.open.Add(1)
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.closed.Add(1)
	m.open.Add(-1)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{GeneratedAt: time.Now().UTC()}
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Discovery: DiscoveryMetrics{
			RequestsSent:     m.requestsSent.Load(),
			RepliesSent:      m.repliesSent.Load(),
			DropCooldown:     m.dropCooldown.Load(),
			DropSelf:         m.dropSelf.Load(),
			DropUnknown:      m.dropUnknown.Load(),
			PeersDiscovered:  m.peersDiscovered.Load(),
			DuplicateReplies: m.duplicateReplies.Load(),
		},
		Channel: ChannelMetrics{
			Opened:           m.opened.Load(),
			Closed:           m.closed.Load(),
			Open:             m.open.Load(),
			HandshakeFail:    m.handshakeFail.Load(),
			MessagesSent:     m.messagesSent.Load(),
			MessagesReceived: m.messagesReceived.Load(),
			DecryptFail:      m.decryptFail.Load(),
			Rejected:         m.rejected.Load(),
		},
		EventDrops: m.eventDrops.Load(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
