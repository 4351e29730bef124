package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/pardot/ssoidc/core"
)

// envelope wraps every JSON response body.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.WithError(err).Error("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		s.logger.WithError(err).Debug("failed to write response")
	}
}

func (s *Server) writeSuccess(w http.ResponseWriter, status int, message string, data interface{}) {
	s.writeJSON(w, status, envelope{Success: true, Message: message, Data: data})
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, envelope{Message: message})
}

// writeError renders a flow error. Only the caller-safe message goes over the
// wire, the cause is logged.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	message := "Internal server error."
	var ce *core.Error
	if errors.As(err, &ce) {
		message = ce.Message
	}

	l := s.logger.WithFields(logrus.Fields{
		"path": r.URL.Path,
		"kind": kind.String(),
	}).WithError(err)
	if kind == core.KindInternal {
		l.Error("request failed")
	} else {
		l.Debug("request rejected")
	}

	s.writeFailure(w, statusFor(kind), message)
}

func statusFor(k core.Kind) int {
	switch k {
	case core.KindValidation, core.KindUnprocessable:
		return http.StatusUnprocessableEntity
	case core.KindUnauthorized, core.KindExpired:
		return http.StatusUnauthorized
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
