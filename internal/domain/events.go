package domain

import "time"

// Topic names events on the in-process bus.
type Topic string

const (
	TopicStockChange         Topic = "stock.change"
	TopicSyncCompleted       Topic = "sync.completed"
	TopicSyncFailed          Topic = "sync.failed"
	TopicDriftDetected       Topic = "drift.detected"
	TopicDriftRepaired       Topic = "drift.repaired"
	TopicAlertTriggered      Topic = "alert.triggered"
	TopicChannelConnected    Topic = "channel.connected"
	TopicChannelDisconnected Topic = "channel.disconnected"
)

// Event is one bus publication. Payload holds one of the *Payload structs
// below; events are also mirrored to the firehose and to parent IPC, hence
// the tags.
type Event struct {
	Topic    Topic     `json:"topic"`
	TenantID string    `json:"tenantId"`
	At       time.Time `json:"at"`
	Payload  any       `json:"payload,omitempty"`
}

// StockChangePayload reports one attempted per-mapping write.
type StockChangePayload struct {
	ProductID   string `json:"productId"`
	ChannelID   string `json:"channelId"`
	OldValue    int64  `json:"oldValue"`
	NewValue    int64  `json:"newValue"`
	Target      int64  `json:"target"`
	SourceStamp string `json:"sourceStamp,omitempty"`
}

// SyncOutcomePayload closes a fan-out: all mapping writes resolved.
type SyncOutcomePayload struct {
	ProductID string `json:"productId"`
	Attempted int    `json:"attempted"`
	Failed    int    `json:"failed"`
	Error     string `json:"error,omitempty"`
}

// DriftPayload reports a reconciliation finding for one mapping.
type DriftPayload struct {
	ProductID  string  `json:"productId"`
	ChannelID  string  `json:"channelId"`
	Actual     int64   `json:"actual"`
	Expected   int64   `json:"expected"`
	Drift      int64   `json:"drift"`
	DriftPct   float64 `json:"driftPct"`
	AutoRepair bool    `json:"autoRepair"`
	Critical   bool    `json:"critical"`
}

// ChannelHealthPayload accompanies channel.connected / channel.disconnected.
type ChannelHealthPayload struct {
	ChannelID string      `json:"channelId"`
	Kind      ChannelKind `json:"kind"`
	Reason    string      `json:"reason,omitempty"`
}

// AlertTriggeredPayload accompanies alert.triggered.
type AlertTriggeredPayload struct {
	AlertID  string        `json:"alertId"`
	Kind     AlertKind     `json:"kind"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
}
