// Package api serves the HTTP interface backend applications use to query
// user presence and publish messages into a thunderpush Registry.
//
// Routes, relative to the router the handler is mounted on:
//
//	GET    /1.0.0/{apikey}/users/                 connected user count
//	GET    /1.0.0/{apikey}/users/{user}/          whether a user is connected
//	POST   /1.0.0/{apikey}/users/{user}/          publish the body to a user
//	DELETE /1.0.0/{apikey}/users/{user}/          disconnect every session of a user
//	GET    /1.0.0/{apikey}/channels/{channel}/    users subscribed to a channel
//	POST   /1.0.0/{apikey}/channels/{channel}/    publish the body to a channel
//
// An apikey that is not registered yields 404 with error code UNKNOWN_TENANT.
package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mroth/thunderpush"
	"github.com/mroth/thunderpush/internal/metrics"
)

// SecretKeyHeader carries the tenant secret key when Options.RequireSecretKey
// is set.
const SecretKeyHeader = "X-Thunder-Secret-Key"

// DefaultMaxPayloadBytes is used when Options.MaxPayloadBytes is zero.
const DefaultMaxPayloadBytes = 64 << 10

var (
	errUnauthorized = errors.New("invalid secret key")
	errEmptyPayload = errors.New("empty payload")
)

// Options configures a Handler.
type Options struct {
	// RequireSecretKey makes every request present the tenant secret key in
	// the X-Thunder-Secret-Key header.
	RequireSecretKey bool
	MaxPayloadBytes  int64

	// RateLimit is the allowed requests per second across all tenants.
	// Zero disables rate limiting.
	RateLimit float64
	RateBurst int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// CountResponse is returned by user count and publish requests.
type CountResponse struct {
	Status string `json:"status,omitempty"`
	Count  int    `json:"count"`
}

// PresenceResponse is returned by user presence requests.
type PresenceResponse struct {
	Online bool `json:"online"`
}

// ChannelResponse is returned by channel listing requests.
type ChannelResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type handler struct {
	registry *thunderpush.Registry
	opts     Options
	logger   *zap.Logger
}

// NewHandler returns the API router for registry.
func NewHandler(registry *thunderpush.Registry, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	h := &handler{registry: registry, opts: opts, logger: opts.Logger}

	r := mux.NewRouter()
	r.Use(recovery(h.logger), requestID, logging(h.logger, opts.Metrics))
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		r.Use(rateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst), h.logger))
	}

	const prefix = "/1.0.0/{apikey}"
	r.HandleFunc(prefix+"/users/", h.userCount).Methods(http.MethodGet).Name("user_count")
	r.HandleFunc(prefix+"/users/{user}/", h.userPresence).Methods(http.MethodGet).Name("user_presence")
	r.HandleFunc(prefix+"/users/{user}/", h.publishToUser).Methods(http.MethodPost).Name("user_publish")
	r.HandleFunc(prefix+"/users/{user}/", h.disconnectUser).Methods(http.MethodDelete).Name("user_disconnect")
	r.HandleFunc(prefix+"/channels/{channel}/", h.channelUsers).Methods(http.MethodGet).Name("channel_users")
	r.HandleFunc(prefix+"/channels/{channel}/", h.publishToChannel).Methods(http.MethodPost).Name("channel_publish")

	// mux only runs Use middleware on matched routes, so the routing error
	// handlers get the chain applied by hand
	chain := func(next http.HandlerFunc) http.Handler {
		return recovery(h.logger)(requestID(logging(h.logger, opts.Metrics)(next)))
	}
	r.NotFoundHandler = chain(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, ErrorCodeInvalidRequest, "endpoint not found", r.Header.Get(requestIDHeader))
	})
	r.MethodNotAllowedHandler = chain(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed", r.Header.Get(requestIDHeader))
	})
	return r
}

// tenant resolves the {apikey} path variable and, if required, checks the
// secret key header against the tenant credential.
func (h *handler) tenant(r *http.Request) (*thunderpush.Hub, error) {
	hub, err := h.registry.Resolve(mux.Vars(r)["apikey"])
	if err != nil {
		return nil, err
	}
	if h.opts.RequireSecretKey {
		given := r.Header.Get(SecretKeyHeader)
		want := hub.Credential().SecretKey
		// a tenant without a secret can never authenticate
		if want == "" || subtle.ConstantTimeCompare([]byte(given), []byte(want)) != 1 {
			return nil, errUnauthorized
		}
	}
	return hub, nil
}

func (h *handler) payload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxPayloadBytes))
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if len(body) == 0 {
		return nil, errEmptyPayload
	}
	return body, nil
}

func (h *handler) userCount(w http.ResponseWriter, r *http.Request) {
	hub, err := h.tenant(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: hub.UserCount()})
}

func (h *handler) userPresence(w http.ResponseWriter, r *http.Request) {
	hub, err := h.tenant(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Online: hub.IsUserConnected(mux.Vars(r)["user"])})
}

func (h *handler) publishToUser(w http.ResponseWriter, r *http.Request) {
	hub, err := h.tenant(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	body, err := h.payload(w, r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n := hub.PublishToUser(mux.Vars(r)["user"], body)
	writeJSON(w, http.StatusOK, CountResponse{Status: "ok", Count: n})
}

func (h *handler) disconnectUser(w http.ResponseWriter, r *http.Request) {
	hub, err := h.tenant(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n := hub.DisconnectUser(mux.Vars(r)["user"])
	writeJSON(w, http.StatusOK, CountResponse{Status: "ok", Count: n})
}

func (h *handler) channelUsers(w http.ResponseWriter, r *http.Request) {
	hub, err := h.tenant(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	users := hub.ChannelUsers(mux.Vars(r)["channel"])
	writeJSON(w, http.StatusOK, ChannelResponse{Users: users, Count: len(users)})
}

func (h *handler) publishToChannel(w http.ResponseWriter, r *http.Request) {
	hub, err := h.tenant(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	body, err := h.payload(w, r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	n := hub.PublishToChannel(mux.Vars(r)["channel"], body)
	writeJSON(w, http.StatusOK, CountResponse{Status: "ok", Count: n})
}
