package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/venuefence/internal/analytics"
	"github.com/onnwee/venuefence/internal/cache"
	"github.com/onnwee/venuefence/internal/geo"
	"github.com/onnwee/venuefence/internal/geofence"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/middleware"
)

// maxBodyBytes caps request bodies; location payloads are tiny.
const maxBodyBytes = 64 << 10

// ReportSource exposes the most recent analytics report, or nil before the
// first run completes.
type ReportSource interface {
	Last() *analytics.Report
}

// GeofenceHandlers serves the /geofence routes.
type GeofenceHandlers struct {
	pipeline *geofence.Pipeline
	reports  ReportSource
}

// NewGeofenceHandlers creates a GeofenceHandlers. reports may be nil, in
// which case region stats are always reported as pending.
func NewGeofenceHandlers(pipeline *geofence.Pipeline, reports ReportSource) *GeofenceHandlers {
	return &GeofenceHandlers{
		pipeline: pipeline,
		reports:  reports,
	}
}

// Register mounts every /geofence route on mux.
func (h *GeofenceHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /geofence/location", h.UpdateLocation)
	mux.HandleFunc("POST /geofence/check", h.Check)
	mux.HandleFunc("GET /geofence/status", h.Status)
	mux.HandleFunc("POST /geofence/subscribe", h.Subscribe)
	mux.HandleFunc("POST /geofence/unsubscribe", h.Unsubscribe)
	mux.HandleFunc("GET /geofence/regions/{id}/users", h.RegionUsers)
	mux.HandleFunc("GET /geofence/regions/{id}/stats", h.RegionStats)
}

// LocationRequest is the body of POST /geofence/location.
type LocationRequest struct {
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
	Accuracy float64  `json:"accuracy,omitempty"`
}

func (req LocationRequest) position() (membership.Position, bool) {
	if req.Lat == nil || req.Lon == nil {
		return membership.Position{}, false
	}
	return membership.Position{
		Point:          geo.Point{Lat: *req.Lat, Lon: *req.Lon},
		AccuracyMeters: req.Accuracy,
	}, true
}

// CheckRequest is the body of POST /geofence/check.
type CheckRequest struct {
	RegionID string   `json:"region_id"`
	Lat      *float64 `json:"lat"`
	Lon      *float64 `json:"lon"`
}

// SubscribeRequest is the body of POST /geofence/subscribe and
// /geofence/unsubscribe. The position is optional and ignored on unsubscribe.
type SubscribeRequest struct {
	RegionID string   `json:"region_id"`
	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	Accuracy float64  `json:"accuracy,omitempty"`
}

// MembershipView is the JSON form of an active membership.
type MembershipView struct {
	ID           string     `json:"id"`
	RegionID     string     `json:"region_id"`
	State        string     `json:"state"`
	SubscribedAt time.Time  `json:"subscribed_at"`
	LastSeenAt   time.Time  `json:"last_seen_at"`
	LastPosition *geo.Point `json:"last_position,omitempty"`
	OutsideSince *time.Time `json:"outside_since,omitempty"`
	GraceEndsAt  *time.Time `json:"grace_ends_at,omitempty"`
}

func newMembershipView(m *membership.Membership, grace time.Duration) MembershipView {
	v := MembershipView{
		ID:           m.ID,
		RegionID:     m.RegionID,
		State:        m.State.Kind().String(),
		SubscribedAt: m.SubscribedAt,
		LastSeenAt:   m.LastSeenAt,
		LastPosition: m.LastPosition,
		OutsideSince: m.OutsideSince(),
	}
	if v.OutsideSince != nil {
		ends := v.OutsideSince.Add(grace)
		v.GraceEndsAt = &ends
	}
	return v
}

// StatusResponse is the body of GET /geofence/status.
type StatusResponse struct {
	UserID      string                `json:"user_id"`
	Memberships []MembershipView      `json:"memberships"`
	Position    *cache.CachedPosition `json:"position,omitempty"`
}

// RegionUsersResponse is the body of GET /geofence/regions/{id}/users.
type RegionUsersResponse struct {
	RegionID string   `json:"region_id"`
	Users    []string `json:"users"`
	Count    int      `json:"count"`
}

// RegionStatsResponse is the body of GET /geofence/regions/{id}/stats.
type RegionStatsResponse struct {
	RegionID        string     `json:"region_id"`
	ActiveMembers   int        `json:"active_members"`
	UniqueUsers     int        `json:"unique_users"`
	TotalVisits     int        `json:"total_visits"`
	AvgDwellMinutes float64    `json:"avg_dwell_minutes"`
	WindowHours     float64    `json:"window_hours,omitempty"`
	GeneratedAt     *time.Time `json:"generated_at,omitempty"`
	Pending         bool       `json:"pending,omitempty"`
}

// decode reads a JSON body into v, writing a 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeBadRequest, "Invalid JSON request body")
		return false
	}
	return true
}

// requireUser returns the authenticated user id, writing a 401 when absent.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		WriteError(w, r.Context(), http.StatusUnauthorized, ErrCodeAuthFailed, "Authentication required")
		return "", false
	}
	return userID, true
}

// UpdateLocation handles POST /geofence/location.
// Classifies the position against every region and advances the caller's
// memberships.
func (h *GeofenceHandlers) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req LocationRequest
	if !decode(w, r, &req) {
		return
	}
	pos, ok := req.position()
	if !ok {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "lat and lon are required")
		return
	}

	res, err := h.pipeline.Update(r.Context(), userID, pos)
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	if res.Degraded {
		slog.WarnContext(r.Context(), "location update degraded",
			"user_id", userID,
			"failed_regions", len(res.Failed))
	}
	WriteJSON(w, r.Context(), http.StatusOK, res)
}

// Check handles POST /geofence/check.
// Stateless: reports whether the point is inside one region.
func (h *GeofenceHandlers) Check(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RegionID == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "region_id is required")
		return
	}
	if req.Lat == nil || req.Lon == nil {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "lat and lon are required")
		return
	}

	res, err := h.pipeline.Check(req.RegionID, geo.Point{Lat: *req.Lat, Lon: *req.Lon})
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusOK, res)
}

// Status handles GET /geofence/status.
// Returns the caller's active memberships and latest cached position.
func (h *GeofenceHandlers) Status(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	ms, err := h.pipeline.Memberships(r.Context(), userID)
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}

	resp := StatusResponse{
		UserID:      userID,
		Memberships: make([]MembershipView, 0, len(ms)),
	}
	for _, m := range ms {
		resp.Memberships = append(resp.Memberships, newMembershipView(m, h.pipeline.GracePeriod()))
	}

	pos, err := h.pipeline.LatestPosition(r.Context(), userID)
	switch {
	case err == nil:
		resp.Position = pos
	case errors.Is(err, cache.ErrCacheMiss):
	default:
		slog.WarnContext(r.Context(), "position cache read failed", "user_id", userID, "error", err)
	}

	WriteJSON(w, r.Context(), http.StatusOK, resp)
}

// Subscribe handles POST /geofence/subscribe.
func (h *GeofenceHandlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RegionID == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "region_id is required")
		return
	}
	if (req.Lat == nil) != (req.Lon == nil) {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "lat and lon must be given together")
		return
	}

	var pos *membership.Position
	if req.Lat != nil {
		pos = &membership.Position{
			Point:          geo.Point{Lat: *req.Lat, Lon: *req.Lon},
			AccuracyMeters: req.Accuracy,
		}
	}

	m, err := h.pipeline.Subscribe(r.Context(), userID, req.RegionID, pos)
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	WriteJSON(w, r.Context(), http.StatusCreated, newMembershipView(m, h.pipeline.GracePeriod()))
}

// Unsubscribe handles POST /geofence/unsubscribe.
func (h *GeofenceHandlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RegionID == "" {
		WriteError(w, r.Context(), http.StatusBadRequest, ErrCodeValidation, "region_id is required")
		return
	}

	if err := h.pipeline.Unsubscribe(r.Context(), userID, req.RegionID); err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegionUsers handles GET /geofence/regions/{id}/users.
func (h *GeofenceHandlers) RegionUsers(w http.ResponseWriter, r *http.Request) {
	regionID := r.PathValue("id")

	users, err := h.pipeline.PresentUsers(r.Context(), regionID)
	if err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}
	if users == nil {
		users = []string{}
	}
	WriteJSON(w, r.Context(), http.StatusOK, RegionUsersResponse{
		RegionID: regionID,
		Users:    users,
		Count:    len(users),
	})
}

// RegionStats handles GET /geofence/regions/{id}/stats.
// Served from the last analytics report; before the first run it returns
// zero counts with pending set.
func (h *GeofenceHandlers) RegionStats(w http.ResponseWriter, r *http.Request) {
	regionID := r.PathValue("id")
	if _, err := h.pipeline.Region(regionID); err != nil {
		WriteDomainError(w, r.Context(), err)
		return
	}

	resp := RegionStatsResponse{RegionID: regionID, Pending: true}
	if h.reports != nil {
		if report := h.reports.Last(); report != nil {
			st := report.Region(regionID)
			at := report.GeneratedAt
			resp = RegionStatsResponse{
				RegionID:        regionID,
				ActiveMembers:   st.ActiveMembers,
				UniqueUsers:     st.UniqueUsers,
				TotalVisits:     st.TotalVisits,
				AvgDwellMinutes: st.AvgDwellMinutes(),
				WindowHours:     report.Window.Hours(),
				GeneratedAt:     &at,
			}
		}
	}
	WriteJSON(w, r.Context(), http.StatusOK, resp)
}
