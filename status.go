package thunderpush

import (
	"fmt"
	"os"
	"time"
)

// ServerStatus is snapshot of metadata describing the status of a Server.
//
// It can be serialized to JSON and is what gets reported to admin API endpoint.
type ServerStatus struct {
	Node        string             `json:"node"`
	Status      string             `json:"status"`
	Reported    int64              `json:"reported_at"`
	StartupTime int64              `json:"startup_time"`
	SentMsgs    uint64             `json:"msgs_sent"`
	Tenants     []TenantStatus     `json:"tenants"`
	Connections []ConnectionStatus `json:"connections"`
}

// TenantStatus summarises the indices of one tenant.
type TenantStatus struct {
	PublicKey   string `json:"public_key"`
	Users       int    `json:"users"`
	Channels    int    `json:"channels"`
	Connections int    `json:"connections"`
	SentMsgs    uint64 `json:"msgs_sent"`
	Created     int64  `json:"created_at"`
}

// Status returns a snaphot of status metadata for the Server.
//
// Primarily intended for logging and reporting.
func (s *Server) Status() ServerStatus {
	hubs := s.registry.Tenants()
	tenants := make([]TenantStatus, 0, len(hubs))
	var sent uint64
	for _, h := range hubs {
		ts := h.Status()
		sent += ts.SentMsgs
		tenants = append(tenants, ts)
	}

	return ServerStatus{
		Node:        fmt.Sprintf("%s-%s", env(), nodeName()),
		Status:      "OK",
		Reported:    time.Now().Unix(),
		StartupTime: s.startupTime.Unix(),
		SentMsgs:    sent,
		Tenants:     tenants,
		Connections: s.liveConnections(),
	}
}

// Status returns a snapshot of the hub's counters.
func (h *Hub) Status() TenantStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return TenantStatus{
		PublicKey:   h.cred.PublicKey,
		Users:       len(h.users),
		Channels:    len(h.channels),
		Connections: len(h.members),
		SentMsgs:    h.sentMsgs.Load(),
		Created:     h.startupTime.Unix(),
	}
}

// Attempts to intelligently get the name of the node we are running on.
//
// First checks for a Heroku $DYNO variable (e.g. `web.2` etc), if that isn't
// found will default to the local hostname.
func nodeName() string {
	if dyno := os.Getenv("DYNO"); dyno != "" {
		return dyno
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown.X"
}

// A string representing the environment (dev/staging/prod), for reporting.
func env() string {
	if env := os.Getenv("THUNDERPUSH_ENV"); env != "" {
		return env
	}
	return "development"
}
