package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"phoenixvault.io/internal/audit"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

// handleAccessRequests serves GET (optional ?status=) and POST on the collection.
func (a *API) handleAccessRequests(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := vault.RequestStatus(strings.TrimSpace(r.URL.Query().Get("status")))
		items, err := a.vault.ListAccessRequests(r.Context(), actor, status)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		if !allowRequest(w, r, a.requestLimit, actor.ID) {
			return
		}
		var in vault.AccessRequestInput
		if !a.decodeBody(w, r, &in) {
			return
		}
		created, err := a.vault.CreateAccessRequest(r.Context(), actor, in)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAccessRequest serves /api/access-requests/{id}[/approve|reject|cancel].
func (a *API) handleAccessRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/access-requests/"), "/"), "/")
	if len(parts) > 2 || !ids.Valid(parts[0]) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, err := a.vault.GetAccessRequest(r.Context(), actor, id)
		if err != nil {
			handleError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var (
		res vault.AccessRequest
		err error
	)
	switch parts[1] {
	case "approve", "reject":
		var in vault.ReviewInput
		if r.ContentLength != 0 && !a.decodeBody(w, r, &in) {
			return
		}
		if parts[1] == "approve" {
			res, err = a.vault.ApproveAccessRequest(r.Context(), actor, id, in)
		} else {
			res, err = a.vault.RejectAccessRequest(r.Context(), actor, id, in)
		}
	case "cancel":
		res, err = a.vault.CancelAccessRequest(r.Context(), actor, id)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleAuditLogs lists audit entries; ?action, ?object_type and ?limit narrow it.
func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	filter := audit.Filter{
		Action:     audit.Action(strings.TrimSpace(q.Get("action"))),
		ObjectType: strings.TrimSpace(q.Get("object_type")),
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	entries, err := a.vault.ListAudit(r.Context(), actor, filter)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/audit-logs/"), "/")
	if !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	entry, err := a.vault.GetAudit(r.Context(), actor, id)
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
