package manager

import "time"

// Config holds the timeouts that drive the session manager task's phases,
// per spec §4.F. cmd/manager uses DefaultConfig as is.
type Config struct {
	HeartbeatRefresh   time.Duration
	HeartbeatExpire    time.Duration
	QueueTimeout       time.Duration
	SchedulingTimeout  time.Duration
	NodeStartupTimeout time.Duration
	HealthCheckBudget  time.Duration
}

// DefaultConfig mirrors WebGrid's published defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatRefresh:   15 * time.Second,
		HeartbeatExpire:    30 * time.Second,
		QueueTimeout:       30 * time.Second,
		SchedulingTimeout:  30 * time.Second,
		NodeStartupTimeout: 60 * time.Second,
		HealthCheckBudget:  60 * time.Second,
	}
}
