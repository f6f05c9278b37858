package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"roomrelay/internal/relay"
)

// Metrics counts relay activity. It is the registry's relay.Observer and is
// served as JSON on /metrics.
type Metrics struct {
	roomsCreated     atomic.Uint64
	roomsDeleted     atomic.Uint64
	messages         atomic.Uint64
	fileChunks       atomic.Uint64
	deliveryFailures atomic.Uint64
	rejected         atomic.Uint64
	uploads          atomic.Uint64
	activeConns      atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RoomCreated(string) {
	m.roomsCreated.Add(1)
}

func (m *Metrics) RoomDeleted(string) {
	m.roomsDeleted.Add(1)
}

func (m *Metrics) MessagePublished(_ string, kind relay.Kind) {
	m.messages.Add(1)
	if kind == relay.KindFileChunk {
		m.fileChunks.Add(1)
	}
}

func (m *Metrics) DeliveryFailed(string, string) {
	m.deliveryFailures.Add(1)
}

// IncRejected counts inbound messages refused for rate or format reasons.
func (m *Metrics) IncRejected() {
	m.rejected.Add(1)
}

func (m *Metrics) IncUpload() {
	m.uploads.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) Snapshot() map[string]any {
	created, deleted := m.roomsCreated.Load(), m.roomsDeleted.Load()
	return map[string]any{
		"rooms_created_total":     created,
		"rooms_deleted_total":     deleted,
		"rooms_live":              created - deleted,
		"messages_total":          m.messages.Load(),
		"file_chunks_total":       m.fileChunks.Load(),
		"delivery_failures_total": m.deliveryFailures.Load(),
		"rejected_total":          m.rejected.Load(),
		"uploads_total":           m.uploads.Load(),
		"active_connections":      m.activeConns.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}

var _ relay.Observer = (*Metrics)(nil)
