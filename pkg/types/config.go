package types

import "time"

// ServerConfig configures the read-only ops HTTP/WebSocket surface.
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	WebSocketPath  string        `json:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	MaxConnections int           `json:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics"`
	MetricsPort    int           `json:"metricsPort"`
}

// DataConfig configures the file-backed persistence sink.
type DataConfig struct {
	DataDir string `json:"dataDir"`
}
