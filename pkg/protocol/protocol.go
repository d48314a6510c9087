// Package protocol defines the JSON types exchanged between the apphost
// daemon's admin API and its clients.
package protocol

import "time"

// DefaultAdminAddr is the default listen address of the admin API.
const DefaultAdminAddr = "127.0.0.1:8081"

// Status describes the daemon.
type Status struct {
	Status    string    `json:"status"`
	Host      string    `json:"host"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Uptime    float64   `json:"uptime_seconds"`
	Apps      int       `json:"apps"`
	Reloading int       `json:"reloading"`
}

// App describes one deployed application and its active context.
type App struct {
	Name           string    `json:"name"`
	ContextPath    string    `json:"context_path"`
	RootDir        string    `json:"root_dir"`
	Kind           string    `json:"kind"`
	ReloadStrategy string    `json:"reload_strategy"`
	Context        string    `json:"context"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Monitor        string    `json:"monitor"`
	MonitorMtime   time.Time `json:"monitor_mtime"`
	Reloading      bool      `json:"reloading"`
}

// ReloadResponse is returned by POST /api/apps/{name}/reload.
type ReloadResponse struct {
	App        string `json:"app"`
	Dispatched bool   `json:"dispatched"`
	Message    string `json:"message"`
}

// ReloadRecord is one entry of the reload history.
type ReloadRecord struct {
	Timestamp  string  `json:"timestamp"`
	ID         string  `json:"id"`
	App        string  `json:"app"`
	Strategy   string  `json:"strategy"`
	From       string  `json:"from"`
	To         string  `json:"to,omitempty"`
	Outcome    string  `json:"outcome"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
}

// Error is the body of a failed API request.
type Error struct {
	Error string `json:"error"`
}
