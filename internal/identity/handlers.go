package identity

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agoranet/backend/internal/httpapi"
)

// Routes builds the Identity HTTP surface.
func (s *Service) Routes(maxBodyBytes int64) http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = httpapi.MethodNotAllowed()
	r.Use(
		httpapi.Recover(s.logger),
		httpapi.RequestLogger(s.logger),
		httpapi.ObserveRequests(s.metrics.Requests.Observe),
	)

	r.HandleFunc("/health", httpapi.Health(s.counters)).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/agents", s.handleRegister(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/agents", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/agents/{agentID}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/verify", s.handleVerify(maxBodyBytes)).Methods(http.MethodPost)

	return r
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key"`
}

func (s *Service) handleRegister(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerRequest
		if herr := httpapi.DecodeJSON(w, r, maxBody, &req); herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		agent, err := s.Register(r.Context(), req.DisplayName, req.PublicKey)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, agent)
	}
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.Agents(r.Context())
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := s.Agent(r.Context(), mux.Vars(r)["agentID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, agent)
}

func (s *Service) handleVerify(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, herr := httpapi.DecodeTokenRequest(w, r, maxBody)
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, s.VerifyToken(r.Context(), token))
	}
}
