package taskboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
)

// createTaskRequest carries the paired envelopes for task creation.
type createTaskRequest struct {
	TaskToken   string `json:"task_token"`
	EscrowToken string `json:"escrow_token"`
}

// Routes builds the Task Board HTTP surface.
func (s *Service) Routes(maxBodyBytes int64) http.Handler {
	r := mux.NewRouter()
	r.MethodNotAllowedHandler = httpapi.MethodNotAllowed()
	r.Use(
		httpapi.Recover(s.logger),
		httpapi.RequestLogger(s.logger),
		httpapi.ObserveRequests(s.metrics.Requests.Observe),
	)

	r.HandleFunc("/health", httpapi.Health(func() map[string]interface{} {
		counters := s.store.Counters(context.Background())
		counters["event_subscribers"] = s.hub.SubscriberCount()
		return counters
	})).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.HandleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/tasks", s.handleCreateTask(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/cancel", s.handleCancel(maxBodyBytes)).Methods(http.MethodPost)

	r.HandleFunc("/tasks/{taskID}/bids", s.handleSubmitBid(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/bids", s.handleListBids).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/bids/{bidID}/accept", s.handleAcceptBid(maxBodyBytes)).Methods(http.MethodPost)

	r.HandleFunc("/tasks/{taskID}/assets", s.handleUploadAsset).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/assets", s.handleListAssets).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/assets/{assetID}", s.handleGetAsset).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{taskID}/assets/{assetID}/download", s.handleDownloadAsset).Methods(http.MethodGet)

	r.HandleFunc("/tasks/{taskID}/submit", s.handleSubmit(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/approve", s.handleApprove(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/dispute", s.handleDispute(maxBodyBytes)).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{taskID}/ruling", s.handleRecordRuling(maxBodyBytes)).Methods(http.MethodPost)

	return r
}

// authenticateBody reads the {"token": ...} body and runs the
// authentication chain, then cross-checks the payload task_id against the
// request path.
func (s *Service) authenticateBody(w http.ResponseWriter, r *http.Request, maxBody int64, actions ...string) (string, envelope.Fields, *httpapi.Error) {
	token, herr := httpapi.DecodeTokenRequest(w, r, maxBody)
	if herr != nil {
		return "", nil, herr
	}
	signer, fields, herr := s.identity.AuthenticateAny(r.Context(), token, actions...)
	if herr != nil {
		return "", nil, herr
	}
	taskID, herr := fields.String("task_id")
	if herr != nil {
		return "", nil, herr
	}
	if taskID != mux.Vars(r)["taskID"] {
		return "", nil, httpapi.NewError(httpapi.CodeTokenMismatch, "payload task_id does not match the request path")
	}
	return signer, fields, nil
}

// authenticateBearer authenticates a read via the Authorization header.
func (s *Service) authenticateBearer(r *http.Request, action string) (string, envelope.Fields, *httpapi.Error) {
	token := httpapi.BearerToken(r)
	if token == "" {
		return "", nil, httpapi.NewError(httpapi.CodeForbidden, "a bearer envelope is required")
	}
	return s.identity.Authenticate(r.Context(), token, action)
}

func (s *Service) handleCreateTask(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if herr := httpapi.DecodeJSON(w, r, maxBody, &req); herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if req.TaskToken == "" {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeMissingField, "task_token is required"))
			return
		}
		if req.EscrowToken == "" {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeMissingField, "escrow_token is required"))
			return
		}
		task, err := s.CreateTask(r.Context(), req.TaskToken, req.EscrowToken)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, task)
	}
}

func (s *Service) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.Tasks(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Service) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.Refresh(r.Context(), mux.Vars(r)["taskID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, task)
}

func (s *Service) handleCancel(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, _, herr := s.authenticateBody(w, r, maxBody, "cancel_task")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		task, err := s.Cancel(r.Context(), signer, mux.Vars(r)["taskID"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
	}
}

func (s *Service) handleSubmitBid(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "submit_bid")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		amount, herr := fields.Int("amount")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		bid, err := s.SubmitBid(r.Context(), signer, mux.Vars(r)["taskID"], amount)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, bid)
	}
}

func (s *Service) handleListBids(w http.ResponseWriter, r *http.Request) {
	// A bearer envelope is optional here: without one the caller is an
	// anonymous reader and only sees bids once the sealed phase is over.
	requester := ""
	if token := httpapi.BearerToken(r); token != "" {
		signer, _, herr := s.identity.Authenticate(r.Context(), token, "list_bids")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		requester = signer
	}
	bids, err := s.Bids(r.Context(), requester, mux.Vars(r)["taskID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"bids": bids})
}

func (s *Service) handleAcceptBid(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "accept_bid")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		bidID, herr := fields.String("bid_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		if bidID != mux.Vars(r)["bidID"] {
			httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload bid_id does not match the request path"))
			return
		}
		task, err := s.AcceptBid(r.Context(), signer, mux.Vars(r)["taskID"], bidID)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
	}
}

// handleUploadAsset accepts a multipart upload authorized by a bearer
// envelope whose payload names the task.
func (s *Service) handleUploadAsset(w http.ResponseWriter, r *http.Request) {
	signer, fields, herr := s.authenticateBearer(r, "upload_asset")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	taskID, herr := fields.String("task_id")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	if taskID != mux.Vars(r)["taskID"] {
		httpapi.WriteError(w, httpapi.NewError(httpapi.CodeTokenMismatch, "payload task_id does not match the request path"))
		return
	}

	// Cap the whole multipart body at the asset limit plus framing slack.
	r.Body = http.MaxBytesReader(w, r.Body, s.assets.maxBytes+(64<<10))
	file, header, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			httpapi.WriteError(w, httpapi.Errorf(httpapi.CodeFileTooLarge, "asset exceeds %d bytes", s.assets.maxBytes))
			return
		}
		httpapi.WriteError(w, httpapi.NewError(httpapi.CodeInvalidPayload, `a multipart "file" part is required`))
		return
	}
	defer file.Close()

	asset, serr := s.UploadAsset(r.Context(), signer, taskID, header.Filename, header.Header.Get("Content-Type"), file)
	if serr != nil {
		httpapi.WriteError(w, serr)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, asset)
}

func (s *Service) handleListAssets(w http.ResponseWriter, r *http.Request) {
	signer, _, herr := s.authenticateBearer(r, "list_assets")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	assets, err := s.Assets(r.Context(), signer, mux.Vars(r)["taskID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{"assets": assets})
}

func (s *Service) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	signer, _, herr := s.authenticateBearer(r, "get_asset")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	vars := mux.Vars(r)
	asset, err := s.Asset(r.Context(), signer, vars["taskID"], vars["assetID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, asset)
}

func (s *Service) handleDownloadAsset(w http.ResponseWriter, r *http.Request) {
	signer, _, herr := s.authenticateBearer(r, "get_asset")
	if herr != nil {
		httpapi.WriteError(w, herr)
		return
	}
	vars := mux.Vars(r)
	asset, rc, err := s.AssetContent(r.Context(), signer, vars["taskID"], vars["assetID"])
	if err != nil {
		httpapi.WriteError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", asset.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", asset.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.Filename))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

func (s *Service) handleSubmit(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, _, herr := s.authenticateBody(w, r, maxBody, "submit_deliverable")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		task, err := s.SubmitDeliverable(r.Context(), signer, mux.Vars(r)["taskID"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
	}
}

func (s *Service) handleApprove(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, _, herr := s.authenticateBody(w, r, maxBody, "approve_task")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		task, err := s.Approve(r.Context(), signer, mux.Vars(r)["taskID"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
	}
}

func (s *Service) handleDispute(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "dispute_task")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		reason, herr := fields.String("reason")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		task, err := s.Dispute(r.Context(), signer, mux.Vars(r)["taskID"], reason)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
	}
}

func (s *Service) handleRecordRuling(maxBody int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		signer, fields, herr := s.authenticateBody(w, r, maxBody, "record_ruling", "submit_ruling")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		rulingID, herr := fields.String("ruling_id")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		workerPct, herr := fields.Int("worker_pct")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		summary, herr := fields.OptionalString("summary")
		if herr != nil {
			httpapi.WriteError(w, herr)
			return
		}
		task, err := s.RecordRuling(r.Context(), signer, mux.Vars(r)["taskID"], rulingID, workerPct, summary)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, task)
	}
}
