package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pardot/ssoidc/registry"
)

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.clients.List(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("failed to list clients")
		s.writeFailure(w, http.StatusInternalServerError, "Failed to retrieve OpenID clients.")
		return
	}
	s.writeSuccess(w, http.StatusOK, "OpenID clients retrieved successfully.", clients)
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	c, err := s.clients.FindByName(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.clientError(w, err, "Failed to retrieve OpenID client.")
		return
	}
	s.writeSuccess(w, http.StatusOK, "OpenID client retrieved successfully.", c)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.decodeClientSpec(w, r)
	if !ok {
		return
	}

	c, err := s.clients.Create(r.Context(), spec)
	if err != nil {
		s.clientError(w, err, "Failed to create OpenID client.")
		return
	}
	s.logger.WithField("client_id", c.ClientID).Info("client created")
	s.writeSuccess(w, http.StatusCreated, "OpenID client created successfully.", c)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	spec, ok := s.decodeClientSpec(w, r)
	if !ok {
		return
	}

	c, err := s.clients.Update(r.Context(), mux.Vars(r)["name"], spec)
	if err != nil {
		s.clientError(w, err, "Failed to update OpenID client.")
		return
	}
	s.logger.WithField("client_id", c.ClientID).Info("client updated, credentials rotated")
	s.writeSuccess(w, http.StatusOK, "OpenID client updated successfully.", c)
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.clients.Delete(r.Context(), name); err != nil {
		s.clientError(w, err, "Failed to delete OpenID client.")
		return
	}
	s.logger.WithField("client", name).Info("client deleted")
	s.writeSuccess(w, http.StatusOK, "OpenID client deleted successfully.", nil)
}

func (s *Server) decodeClientSpec(w http.ResponseWriter, r *http.Request) (registry.ClientSpec, bool) {
	var spec registry.ClientSpec
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&spec); err != nil {
		s.logger.WithError(err).Debug("malformed client body")
		s.writeFailure(w, http.StatusUnprocessableEntity, "Malformed request body.")
		return spec, false
	}
	return spec, true
}

func (s *Server) clientError(w http.ResponseWriter, err error, internalMsg string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		s.writeFailure(w, http.StatusNotFound, "OpenID client not found.")
	case errors.Is(err, registry.ErrAlreadyExists):
		s.writeFailure(w, http.StatusConflict, "OpenID client name already exists.")
	case errors.Is(err, registry.ErrInvalid):
		s.writeFailure(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.WithError(err).Error(internalMsg)
		s.writeFailure(w, http.StatusInternalServerError, internalMsg)
	}
}
