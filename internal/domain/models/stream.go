package models

// KlineEvent is one push message from the candle stream.
type KlineEvent struct {
	Symbol    string
	EventTime int64
	Closed    bool
	Candle    Candle
}

// StreamState is the live stream connection lifecycle.
type StreamState int32

const (
	StreamDisconnected StreamState = iota
	StreamConnecting
	StreamConnected
	StreamReconnecting
	StreamFailed
)

func (s StreamState) String() string {
	switch s {
	case StreamDisconnected:
		return "DISCONNECTED"
	case StreamConnecting:
		return "CONNECTING"
	case StreamConnected:
		return "CONNECTED"
	case StreamReconnecting:
		return "RECONNECTING"
	case StreamFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// UpstreamStatus is the result of probing the REST endpoint.
type UpstreamStatus struct {
	Reachable          bool   `json:"reachable"`
	ServerTime         int64  `json:"server_time,omitempty"`
	ClockSkewMs        int64  `json:"clock_skew_ms"`
	LatencyMs          int64  `json:"latency_ms"`
	APIKeyUsed         bool   `json:"api_key_used"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute"`
	UsedWeight1m       int    `json:"used_weight_1m"`
	Error              string `json:"error,omitempty"`
}

// StreamStatus is a point-in-time view of the live stream manager.
type StreamStatus struct {
	State               string `json:"state"`
	LastAccepted        int64  `json:"last_accepted,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Accepted            int64  `json:"accepted"`
	GapsDetected        int64  `json:"gaps_detected"`
}
