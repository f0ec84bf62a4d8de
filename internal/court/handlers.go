package court

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
)

// Routes builds the Court HTTP surface.
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

	r.HandleFunc("/disputes", s.handleFileDispute(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/disputes", s.handleListDisputes).Methods(http.MethodGet)
	r.HandleFunc("/disputes/{disputeID}", s.handleGetDispute).Methods(http.MethodGet)
	r.HandleFunc("/disputes/{disputeID}/rebuttal", s.handleRebuttal(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/disputes/{disputeID}/ruling", s.handleExecuteRuling(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/disputes/{disputeID}/votes", s.handleListVotes).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/dispute", s.handleGetByTask).Methods(http.MethodGet)

	return r
}

func (s *Service) authenticateBody(w http.ResponseWriter, r *http.Request, maxBody int64, action string) (string, envelope.Fields, *httpapi.Error) {
	token, herr := httpapi.DecodeTokenRequest(w, r, maxBody)
	if herr != nil {
		return "", nil, herr
	}
	return s.identity.Authenticate(r.Context(), token, action)
}

func (s *Service) handleFileDispute(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "file_dispute")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		taskID, herr := fields.String("task_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		claim, herr := fields.String("claim")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		dispute, err := s.FileDispute(r.Context(), signer, taskID, claim)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, dispute)
	}
}

func (s *Service) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	disputes, err := s.Disputes(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"disputes": disputes})
}

func (s *Service) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.Dispute(r.Context(), mux.Vars(r)["disputeID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, dispute)
}

func (s *Service) handleGetByTask(w http.ResponseWriter, r *http.Request) {
	dispute, err := s.DisputeByTask(r.Context(), mux.Vars(r)["taskID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, dispute)
}

func (s *Service) handleRebuttal(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "submit_rebuttal")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		disputeID, herr := fields.String("dispute_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if disputeID != mux.Vars(r)["disputeID"] {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload dispute_id does not match the request path"))
			return
		}
		rebuttal, herr := fields.String("rebuttal")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		dispute, err := s.SubmitRebuttal(r.Context(), signer, disputeID, rebuttal)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, dispute)
	}
}

func (s *Service) handleExecuteRuling(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "execute_ruling")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		disputeID, herr := fields.String("dispute_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if disputeID != mux.Vars(r)["disputeID"] {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload dispute_id does not match the request path"))
			return
		}
		dispute, err := s.ExecuteRuling(r.Context(), signer, disputeID)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, dispute)
	}
}

func (s *Service) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.Votes(r.Context(), mux.Vars(r)["disputeID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"votes": votes})
}
