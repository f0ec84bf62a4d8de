package reputation

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agoranet/backend/internal/httpapi"
)

// Routes builds the recorder's HTTP surface.
func (s *Service) Routes(maxBodyBytes int64) http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = httpapi.MethodNotAllowed()
	r.Use(
		httpapi.Recover(s.logger),
		httpapi.RequestLogger(s.logger),
		httpapi.ObserveRequests(s.metrics.Requests.Observe),
	)

	r.HandleFunc("/health", httpapi.Health(func() map[string]interface{} {
		return s.store.Counters(context.Background())
	})).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/feedback", s.handleSubmit(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/feedback/{feedbackID}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/agents/{agentID}/feedback", s.handleAgentFeedback).Methods(http.MethodGet)
	r.HandleFunc("/agents/{agentID}/summary", s.handleAgentSummary).Methods(http.MethodGet)

	return r
}

func (s *Service) handleSubmit(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, herr := httpapi.DecodeTokenRequest(w, r, maxBody)
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		signer, fields, herr := s.identity.AuthenticateAny(r.Context(), token, "submit_feedback", "record_feedback")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		taskID, herr := fields.String("task_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		fromID, herr := fields.String("from_agent_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		toID, herr := fields.String("to_agent_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		category, herr := fields.String("category")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		rating, herr := fields.String("rating")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		comment, herr := fields.OptionalString("comment")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		fb, err := s.Submit(r.Context(), signer, taskID, fromID, toID, category, rating, comment)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, fb)
	}
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	fb, err := s.Feedback(r.Context(), mux.Vars(r)["feedbackID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, fb)
}

func (s *Service) handleAgentFeedback(w http.ResponseWriter, r *http.Request) {
	list, err := s.AgentFeedback(r.Context(), mux.Vars(r)["agentID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"feedback": list})
}

func (s *Service) handleAgentSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.AgentSummary(r.Context(), mux.Vars(r)["agentID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, summary)
}
