package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"oauthfed/internal/audit"
	"oauthfed/internal/auth/groups"
	"oauthfed/internal/validation"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"login_provider": s.login.ProviderID(),
	})
}

type providerInfo struct {
	ID           string `json:"id"`
	ServiceName  string `json:"service_name"`
	Scheme       string `json:"scheme"`
	LoginURL     string `json:"login_url"`
	DirectLogin  bool   `json:"direct_login"`
	PasswordFlow bool   `json:"password_flow"`
	Verifying    bool   `json:"verifying"`
}

type providersResponse struct {
	Providers      []providerInfo `json:"providers"`
	ActiveProvider string         `json:"active_provider,omitempty"`
}

// handleProviders lists the configured providers in priority order.
// GET /api/v1/providers
func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	resp := providersResponse{Providers: []providerInfo{}}
	if s.providers == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	active := s.providers.Selection().ActiveProviderID
	resp.ActiveProvider = active
	for _, p := range s.providers.All() {
		resp.Providers = append(resp.Providers, providerInfo{
			ID:           p.ID(),
			ServiceName:  p.ServiceName(),
			Scheme:       p.Scheme(),
			LoginURL:     "/login/" + p.ID(),
			DirectLogin:  p.ID() == active,
			PasswordFlow: p.ID() == active && p.PasswordFlowEnabled(),
			Verifying:    p.Verifying(),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGroupSuggest suggests provider groups by name.
// GET /api/v1/groups?q=
func (s *Server) handleGroupSuggest(w http.ResponseWriter, r *http.Request) {
	out := []groups.Description{}
	if s.groups != nil {
		out = s.groups.Suggest(r.URL.Query().Get("q"))
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": out})
}

// handleGroupMembers reports the groups an external id held at its last login.
// GET /api/v1/groups/members?external_id=
func (s *Server) handleGroupMembers(w http.ResponseWriter, r *http.Request) {
	extID := strings.TrimSpace(r.URL.Query().Get("external_id"))
	if err := validation.ValidateExternalID(extID); err != nil {
		s.writeErr(r.Context(), w, http.StatusBadRequest, "invalid external_id", err.Error())
		return
	}
	memberships := []string{}
	if s.groups != nil {
		memberships = s.groups.MembershipsOf(r.Context(), extID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"external_id": extID,
		"groups":      memberships,
	})
}

// handleAuditList pages through login events, newest first.
// GET /api/v1/audit
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit := audit.DefaultListLimit
	if l := q.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= audit.MaxListLimit {
			limit = parsed
		}
	}

	offset := 0
	if o := q.Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	opts := audit.ListOptions{
		Limit:      limit,
		Offset:     offset,
		Provider:   q.Get("provider"),
		Outcome:    q.Get("outcome"),
		Username:   q.Get("username"),
		ExternalID: q.Get("external_id"),
	}
	for _, bound := range []struct {
		param string
		dst   **time.Time
	}{{"since", &opts.Since}, {"until", &opts.Until}} {
		v := q.Get(bound.param)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeErr(ctx, w, http.StatusBadRequest, "invalid "+bound.param, "expected RFC 3339 timestamp")
			return
		}
		*bound.dst = &t
	}

	events, total, err := s.audit.List(ctx, opts)
	if err != nil {
		s.writeErr(ctx, w, http.StatusInternalServerError, "failed to list audit events", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}
