package bank

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
)

// Routes builds the Central Bank HTTP surface.
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

	r.HandleFunc("/accounts", s.handleCreateAccount(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{accountID}", s.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{accountID}/credit", s.handleCredit(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{accountID}/transactions", s.handleListTransactions).Methods(http.MethodGet)

	r.HandleFunc("/escrows/lock", s.handleEscrowLock(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{escrowID}", s.handleGetEscrow).Methods(http.MethodGet)
	r.HandleFunc("/escrows/{escrowID}/release", s.handleEscrowRelease(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/escrows/{escrowID}/split", s.handleEscrowSplit(maxBodyBytes)).Methods(http.MethodPost)

	return r
}

// authenticateBody reads the {"token": ...} body and runs the
// authentication chain for the expected action.
func (s *Service) authenticateBody(w http.ResponseWriter, r *http.Request, maxBody int64, action string) (string, envelope.Fields, *httpapi.Error) {
	token, herr := httpapi.DecodeTokenRequest(w, r, maxBody)
	if herr != nil {
		return "", nil, herr
	}
	return s.identity.Authenticate(r.Context(), token, action)
}

// authenticateBearer authenticates a read via the Authorization header.
func (s *Service) authenticateBearer(r *http.Request, action string) (string, envelope.Fields, *httpapi.Error) {
	token := httpapi.BearerToken(r)
	if token == "" {
		return "", nil, httpapi.NewError(httpapi.CodeForbidden, "a bearer envelope is required")
	}
	return s.identity.Authenticate(r.Context(), token, action)
}

func (s *Service) handleCreateAccount(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "create_account")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		accountID, herr := fields.String("account_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		var initialBalance int64
		if _, ok := fields["initial_balance"]; ok {
			if initialBalance, herr = fields.Int("initial_balance"); herr != nil {
				httpapi.WriteError(w, herr)
				return
			}
		}
		account, err := s.CreateAccount(r.Context(), signer, accountID, initialBalance)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, account)
	}
}

func (s *Service) handleCredit(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "credit")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		accountID, herr := fields.String("account_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if accountID != mux.Vars(r)["accountID"] {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload account_id does not match the request path"))
			return
		}
		amount, herr := fields.Int("amount")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		reference, herr := fields.String("reference")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		txRow, err := s.Credit(r.Context(), signer, accountID, amount, reference)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, txRow)
	}
}

func (s *Service) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	signer, _, herr := s.authenticateBearer(r, "get_account")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	account, err := s.ReadAccount(r.Context(), signer, mux.Vars(r)["accountID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, account)
}

func (s *Service) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	signer, _, herr := s.authenticateBearer(r, "list_transactions")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	txs, err := s.ReadTransactions(r.Context(), signer, mux.Vars(r)["accountID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"transactions": txs})
}

func (s *Service) handleEscrowLock(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "escrow_lock")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		taskID, herr := fields.String("task_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		amount, herr := fields.Int("amount")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		result, err := s.EscrowLock(r.Context(), signer, taskID, amount)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		status := http.StatusCreated
		if result.Replayed {
			status = http.StatusOK
		}
		httpapi.WriteJSON(w, status, result)
	}
}

func (s *Service) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	signer, _, herr := s.authenticateBearer(r, "get_escrow")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	escrow, err := s.ReadEscrow(r.Context(), signer, mux.Vars(r)["escrowID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, escrow)
}

func (s *Service) handleEscrowRelease(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "escrow_release")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		escrowID, herr := fields.String("escrow_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if escrowID != mux.Vars(r)["escrowID"] {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload escrow_id does not match the request path"))
			return
		}
		recipientID, herr := fields.String("recipient_account_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		result, err := s.EscrowRelease(r.Context(), signer, escrowID, recipientID)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, result)
	}
}

func (s *Service) handleEscrowSplit(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "escrow_split")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		escrowID, herr := fields.String("escrow_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if escrowID != mux.Vars(r)["escrowID"] {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload escrow_id does not match the request path"))
			return
		}
		workerID, herr := fields.String("worker_account_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		posterID, herr := fields.String("poster_account_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		workerPct, herr := fields.Int("worker_pct")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		result, err := s.EscrowSplit(r.Context(), signer, escrowID, workerID, posterID, workerPct)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, result)
	}
}
