package httpapi

import (
	"context"
	"net/http"
	"strings"

	"phoenixvault.io/internal/auth"
	"phoenixvault.io/internal/ids"
	"phoenixvault.io/internal/vault"
)

// resource serves the CRUD surface of one collection. DELETE soft-disables.
type resource struct {
	collection func(w http.ResponseWriter, r *http.Request, actor auth.Actor)
	item       func(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string)
	// sub serves /api/{name}/{id}/{sub}; nil means no sub-resources.
	sub map[string]func(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string)
}

type crudOps[In, Out any] struct {
	list    func(ctx context.Context, actor auth.Actor) ([]Out, error)
	get     func(ctx context.Context, actor auth.Actor, id string) (Out, error)
	create  func(ctx context.Context, actor auth.Actor, in In) (Out, error)
	update  func(ctx context.Context, actor auth.Actor, id string, in In) (Out, error)
	disable func(ctx context.Context, actor auth.Actor, id string) error
}

func crud[In, Out any](a *API, ops crudOps[In, Out]) resource {
	return resource{
		collection: func(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
			switch r.Method {
			case http.MethodGet:
				items, err := ops.list(r.Context(), actor)
				if err != nil {
					handleError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, items)
			case http.MethodPost:
				var in In
				if !a.decodeBody(w, r, &in) {
					return
				}
				created, err := ops.create(r.Context(), actor, in)
				if err != nil {
					handleError(w, r, err)
					return
				}
				writeJSON(w, http.StatusCreated, created)
			default:
				methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
			}
		},
		item: func(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string) {
			switch r.Method {
			case http.MethodGet:
				item, err := ops.get(r.Context(), actor, id)
				if err != nil {
					handleError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, item)
			case http.MethodPatch, http.MethodPut:
				var in In
				if !a.decodeBody(w, r, &in) {
					return
				}
				updated, err := ops.update(r.Context(), actor, id, in)
				if err != nil {
					handleError(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, updated)
			case http.MethodDelete:
				if err := ops.disable(r.Context(), actor, id); err != nil {
					handleError(w, r, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			default:
				methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodPut, http.MethodDelete)
			}
		},
	}
}

func (a *API) vaultResources() map[string]resource {
	v := a.vault
	credentials := crud(a, crudOps[vault.CredentialInput, vault.Credential]{
		list: v.ListCredentials, get: v.GetCredential, create: v.CreateCredential,
		update: v.UpdateCredential, disable: v.DisableCredential,
	})
	credentials.sub = map[string]func(http.ResponseWriter, *http.Request, auth.Actor, string){
		"versions": func(w http.ResponseWriter, r *http.Request, actor auth.Actor, id string) {
			if r.Method != http.MethodGet {
				methodNotAllowed(w, r, http.MethodGet)
				return
			}
			versions, err := v.CredentialVersions(r.Context(), actor, id)
			if err != nil {
				handleError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, versions)
		},
	}
	return map[string]resource{
		"users": crud(a, crudOps[vault.UserInput, vault.User]{
			list: v.ListUsers, get: v.GetUser, create: v.CreateUser,
			update: v.UpdateUser, disable: v.DisableUser,
		}),
		"departments": crud(a, crudOps[vault.DepartmentInput, vault.Department]{
			list: v.ListDepartments, get: v.GetDepartment, create: v.CreateDepartment,
			update: v.UpdateDepartment, disable: v.DisableDepartment,
		}),
		"services": crud(a, crudOps[vault.ServiceInput, vault.Service]{
			list: v.ListServices, get: v.GetService, create: v.CreateService,
			update: v.UpdateService, disable: v.DisableService,
		}),
		"accesses": crud(a, crudOps[vault.AccessInput, vault.ServiceAccess]{
			list: v.ListAccesses, get: v.GetAccess, create: v.CreateAccess,
			update: v.UpdateAccess, disable: v.DisableAccess,
		}),
		"credentials": credentials,
		"department-shares": crud(a, crudOps[vault.ShareInput, vault.DepartmentShare]{
			list: v.ListShares, get: v.GetShare, create: v.CreateShare,
			update: v.UpdateShare, disable: v.DisableShare,
		}),
	}
}

// handleResource routes /api/{name}[/{id}[/{sub}]].
func (a *API) handleResource(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/"), "/")
	parts := strings.Split(path, "/")
	res, ok := a.resources[parts[0]]
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	switch len(parts) {
	case 1:
		res.collection(w, r, actor)
		return
	case 2:
		if !ids.Valid(parts[1]) {
			writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
			return
		}
		res.item(w, r, actor, parts[1])
		return
	case 3:
		if sub, found := res.sub[parts[2]]; found && ids.Valid(parts[1]) {
			sub(w, r, actor, parts[1])
			return
		}
	}
	writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
}
