package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/types"
)

// ── Reads (any operator) ─────────────────────────────────────────────────────

func (s *Server) handleListLocations(w http.ResponseWriter, r *http.Request) {
	list, err := s.admin.Locations(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "locations", err)
		return
	}
	respond(w, r, http.StatusOK, list)
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	list, err := s.admin.Profiles(r.Context())
	if err != nil {
		s.writeServiceError(w, r, "profiles", err)
		return
	}
	respond(w, r, http.StatusOK, list)
}

func (s *Server) handleListPersons(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	list, err := s.admin.Persons(r.Context(), r.URL.Query().Get("search"), activeOnly)
	if err != nil {
		s.writeServiceError(w, r, "persons", err)
		return
	}
	respond(w, r, http.StatusOK, list)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	list, err := s.admin.Exceptions(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		s.writeServiceError(w, r, "exceptions", err)
		return
	}
	respond(w, r, http.StatusOK, list)
}

// ── Writes (admin) ───────────────────────────────────────────────────────────

func (s *Server) handlePutLocation(w http.ResponseWriter, r *http.Request) {
	var in types.LocationInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.admin.PutLocation(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeServiceError(w, r, "put location", err)
		return
	}
	respond(w, r, http.StatusOK, v)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var in types.ProfileInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.admin.PutProfile(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeServiceError(w, r, "put profile", err)
		return
	}
	respond(w, r, http.StatusOK, v)
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request) {
	var in types.KeyInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.admin.PutKey(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeServiceError(w, r, "put key", err)
		return
	}
	respond(w, r, http.StatusOK, v)
}

func (s *Server) handleSetKeyStatus(w http.ResponseWriter, r *http.Request) {
	active, ok := s.decodeStatus(w, r)
	if !ok {
		return
	}
	if err := s.admin.SetKeyActive(r.Context(), chi.URLParam(r, "id"), active); err != nil {
		s.writeServiceError(w, r, "set key status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutPerson(w http.ResponseWriter, r *http.Request) {
	var in types.PersonInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.admin.PutPerson(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		s.writeServiceError(w, r, "put person", err)
		return
	}
	respond(w, r, http.StatusOK, v)
}

func (s *Server) handleSetPersonStatus(w http.ResponseWriter, r *http.Request) {
	active, ok := s.decodeStatus(w, r)
	if !ok {
		return
	}
	if err := s.admin.SetPersonActive(r.Context(), chi.URLParam(r, "id"), active); err != nil {
		s.writeServiceError(w, r, "set person status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutException(w http.ResponseWriter, r *http.Request) {
	var in types.ExceptionInput
	if !s.decode(w, r, &in) {
		return
	}
	v, err := s.admin.PutException(r.Context(), chi.URLParam(r, "keyID"), chi.URLParam(r, "personID"), in)
	if err != nil {
		s.writeServiceError(w, r, "put exception", err)
		return
	}
	respond(w, r, http.StatusOK, v)
}

func (s *Server) handleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteLocation(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, "delete location", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteProfile(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, "delete profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteException(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteException(r.Context(), chi.URLParam(r, "keyID"), chi.URLParam(r, "personID")); err != nil {
		s.writeServiceError(w, r, "delete exception", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeStatus(w http.ResponseWriter, r *http.Request) (bool, bool) {
	var in types.StatusInput
	if !s.decode(w, r, &in) {
		return false, false
	}
	if in.Active == nil {
		writeError(w, r, http.StatusBadRequest, "invalid_input", "active is required")
		return false, false
	}
	return *in.Active, true
}
