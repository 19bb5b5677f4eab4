package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"promptsync/internal/domain"
	"promptsync/internal/domain/model"
	"promptsync/internal/infra/realtime"
	"promptsync/internal/usecase"

	"github.com/go-chi/chi/v5"
)

// ===== request/response shapes =====

type syncStartRequest struct {
	ConnectionID       string   `json:"connection_id"`
	Direction          string   `json:"direction"`
	Strategy           string   `json:"strategy"`
	ConflictResolution string   `json:"conflict_resolution"`
	BatchSize          int      `json:"batch_size"`
	Tags               []string `json:"tags"`
	NamePrefix         string   `json:"name_prefix"`
	ModifiedAfter      string   `json:"modified_after"` // RFC3339
	EnableRetry        bool     `json:"enable_retry"`
	MaxRetries         int      `json:"max_retries"`
}

type connectionCreateRequest struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // rest | postgres
	Credentials struct {
		URL    string `json:"url"`
		APIKey string `json:"api_key"`
		DSN    string `json:"dsn"`
	} `json:"credentials"`
	Defaults struct {
		Direction          string `json:"direction"`
		ConflictResolution string `json:"conflict_resolution"`
		BatchSize          int    `json:"batch_size"`
		AutoSync           bool   `json:"auto_sync"`
		AutoSyncInterval   string `json:"auto_sync_interval"` // Go duration
	} `json:"defaults"`
}

type resolveRequest struct {
	Choice        string `json:"choice"` // keep-local | use-remote | merge | create-version
	MergedContent string `json:"merged_content"`
}

type subscriptionCreateRequest struct {
	ConnectionID string `json:"connection_id"`
	Table        string `json:"table"`
}

// connectionResponse deliberately omits credentials.
type connectionResponse struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"`
	Realtime     bool       `json:"realtime"`
	ServiceLevel string     `json:"service_level,omitempty"`
	Active       bool       `json:"active"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toConnectionResponse(c *model.SyncConnection) connectionResponse {
	return connectionResponse{
		ID:           c.ID,
		Name:         c.Name,
		Kind:         string(c.Kind),
		Realtime:     c.Capabilities.Realtime,
		ServiceLevel: c.Capabilities.ServiceLevel,
		Active:       c.Active,
		LastSyncAt:   c.LastSyncAt,
		CreatedAt:    c.CreatedAt,
	}
}

type progressResponse struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

type conflictResponse struct {
	ID            string    `json:"id"`
	PromptID      string    `json:"prompt_id"`
	RemoteID      string    `json:"remote_id"`
	Reason        string    `json:"reason"`
	Resolution    string    `json:"resolution"`
	ResolvedWith  string    `json:"resolved_with,omitempty"`
	LocalName     string    `json:"local_name"`
	LocalContent  string    `json:"local_content"`
	RemoteContent string    `json:"remote_content"`
	DetectedAt    time.Time `json:"detected_at"`
}

func toConflictResponse(c model.Conflict) conflictResponse {
	return conflictResponse{
		ID:            c.ID,
		PromptID:      c.PromptID,
		RemoteID:      c.RemoteID,
		Reason:        c.Reason,
		Resolution:    string(c.Resolution),
		ResolvedWith:  c.ResolvedWith,
		LocalName:     c.LocalSnapshot.Name,
		LocalContent:  c.LocalSnapshot.Content,
		RemoteContent: c.RemoteSnapshot.Content,
		DetectedAt:    c.DetectedAt,
	}
}

type operationResponse struct {
	ID           string             `json:"id"`
	ConnectionID string             `json:"connection_id"`
	Direction    string             `json:"direction"`
	Status       string             `json:"status"`
	Progress     progressResponse   `json:"progress"`
	Pulled       int                `json:"pulled"`
	Pushed       int                `json:"pushed"`
	Updated      int                `json:"updated"`
	Conflicts    []conflictResponse `json:"conflicts"`
	Errors       int                `json:"errors"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

func toOperationResponse(op *model.SyncOperation) operationResponse {
	conflicts := make([]conflictResponse, 0, len(op.Result.Conflicts))
	for _, c := range op.Result.Conflicts {
		conflicts = append(conflicts, toConflictResponse(c))
	}
	return operationResponse{
		ID:           op.ID,
		ConnectionID: op.ConnectionID,
		Direction:    string(op.Options.Direction),
		Status:       string(op.Status),
		Progress: progressResponse{
			Total:      op.Progress.Total,
			Processed:  op.Progress.Processed,
			Successful: op.Progress.Successful,
			Failed:     op.Progress.Failed,
			Skipped:    op.Progress.Skipped,
		},
		Pulled:      op.Result.Pulled,
		Pushed:      op.Result.Pushed,
		Updated:     op.Result.Updated,
		Conflicts:   conflicts,
		Errors:      len(op.Result.Errors),
		StartedAt:   op.StartedAt,
		CompletedAt: op.CompletedAt,
		CreatedAt:   op.CreatedAt,
	}
}

type promptResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Content    string     `json:"content"`
	Tags       []string   `json:"tags,omitempty"`
	RemoteID   string     `json:"remote_id,omitempty"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

type subscriptionResponse struct {
	ConnectionID string `json:"connection_id"`
	Table        string `json:"table"`
	Status       string `json:"status"`
	ErrorCount   int    `json:"error_count"`
	LastError    string `json:"last_error,omitempty"`
	Buffered     int    `json:"buffered"`
}

func toSubscriptionResponse(sub *realtime.Subscription) subscriptionResponse {
	resp := subscriptionResponse{
		ConnectionID: sub.ConnectionID(),
		Table:        sub.Table(),
		Status:       string(sub.Status()),
		ErrorCount:   sub.ErrorCount(),
		Buffered:     len(sub.Recent()),
	}
	if err := sub.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

// ===== helpers =====

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	var ae *domain.AuthorizationError
	var te *domain.TransientError
	switch {
	case errors.As(err, &ve):
		http.Error(w, ve.Error(), http.StatusBadRequest)
	case errors.As(err, &ae):
		http.Error(w, ae.Error(), http.StatusUnauthorized)
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrConnectionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrOperationTerminal),
		errors.Is(err, domain.ErrJobNotCancellable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrRealtimeUnsupported):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &te), errors.Is(err, domain.ErrLockNotAcquired):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func pagination(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

func promptFilter(r *http.Request) model.PromptFilter {
	q := r.URL.Query()
	f := model.PromptFilter{
		Tags:       q["tag"],
		NamePrefix: q.Get("prefix"),
	}
	if raw := q.Get("modified_after"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.ModifiedAfter = &t
		}
	}
	return f
}

// ===== auth =====

func (s *Server) sessionCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.bearerMatchesAPIKey(r) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		token, err := s.auth.Mint(w)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"token": token})
	}
}

func (s *Server) sessionDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.auth.Clear(w)
		w.WriteHeader(http.StatusNoContent)
	}
}

// ===== sync operations =====

func (s *Server) syncStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req syncStartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		opts := model.SyncOptions{
			Direction:          model.SyncDirection(req.Direction),
			Strategy:           model.SyncStrategy(req.Strategy),
			ConflictResolution: model.ConflictPolicy(req.ConflictResolution),
			BatchSize:          req.BatchSize,
			EnableRetry:        req.EnableRetry,
			MaxRetries:         req.MaxRetries,
			Filter: model.PromptFilter{
				Tags:       req.Tags,
				NamePrefix: req.NamePrefix,
			},
		}
		if req.ModifiedAfter != "" {
			t, err := time.Parse(time.RFC3339, req.ModifiedAfter)
			if err != nil {
				http.Error(w, "modified_after must be RFC3339", http.StatusBadRequest)
				return
			}
			opts.Filter.ModifiedAfter = &t
		}

		op, err := s.orch.StartSync(r.Context(), req.ConnectionID, opts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, toOperationResponse(op))
	}
}

func (s *Server) operationsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := pagination(r)
		ops, err := s.orch.ListOperations(r.Context(), r.URL.Query().Get("connection_id"), offset, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		data := make([]operationResponse, 0, len(ops))
		for _, op := range ops {
			data = append(data, toOperationResponse(op))
		}
		writeJSON(w, http.StatusOK, struct {
			Data   []operationResponse `json:"data"`
			Limit  int                 `json:"limit"`
			Offset int                 `json:"offset"`
		}{data, limit, offset})
	}
}

func (s *Server) operationGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := s.orch.GetOperation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toOperationResponse(op))
	}
}

func (s *Server) operationCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.orch.CancelOperation(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// operationEventsHandler streams progress over SSE until the client
// disconnects or the operation's broadcaster goes quiet.
func (s *Server) operationEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := s.orch.GetOperation(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		ch, cancel := s.broadcaster.Subscribe(id)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case p, open := <-ch:
				if !open {
					return
				}
				payload, _ := json.Marshal(progressResponse{
					Total:      p.Total,
					Processed:  p.Processed,
					Successful: p.Successful,
					Failed:     p.Failed,
					Skipped:    p.Skipped,
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}

// ===== conflicts =====

func (s *Server) conflictsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := s.orch.GetOperation(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		data := make([]conflictResponse, 0, len(op.Result.Conflicts))
		for _, c := range op.Result.Conflicts {
			data = append(data, toConflictResponse(c))
		}
		writeJSON(w, http.StatusOK, struct {
			Data []conflictResponse `json:"data"`
		}{data})
	}
}

func (s *Server) conflictResolveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		err := s.orch.ResolveManualConflict(
			r.Context(),
			chi.URLParam(r, "id"),
			chi.URLParam(r, "conflictID"),
			usecase.ResolveChoice(req.Choice),
			req.MergedContent,
		)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) realtimeConflictsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pending := s.orch.PendingRealtimeConflicts()
		data := make([]conflictResponse, 0, len(pending))
		for _, c := range pending {
			data = append(data, toConflictResponse(c))
		}
		writeJSON(w, http.StatusOK, struct {
			Data []conflictResponse `json:"data"`
		}{data})
	}
}

func (s *Server) realtimeConflictResolveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		err := s.orch.ResolveManualConflict(
			r.Context(),
			"",
			chi.URLParam(r, "conflictID"),
			usecase.ResolveChoice(req.Choice),
			req.MergedContent,
		)
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ===== jobs =====

func (s *Server) retryFailedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.jobs.ResetFailed(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"retried": n})
	}
}

// ===== connections =====

func (s *Server) connectionsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conns := s.registry.List()
		data := make([]connectionResponse, 0, len(conns))
		for _, c := range conns {
			data = append(data, toConnectionResponse(c))
		}
		writeJSON(w, http.StatusOK, struct {
			Data []connectionResponse `json:"data"`
		}{data})
	}
}

func (s *Server) connectionCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req connectionCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		defaults := model.SyncDefaults{
			Direction:          model.SyncDirection(req.Defaults.Direction),
			ConflictResolution: model.ConflictPolicy(req.Defaults.ConflictResolution),
			BatchSize:          req.Defaults.BatchSize,
			AutoSync:           req.Defaults.AutoSync,
		}
		if req.Defaults.AutoSyncInterval != "" {
			d, err := time.ParseDuration(req.Defaults.AutoSyncInterval)
			if err != nil {
				http.Error(w, "defaults.auto_sync_interval must be a duration", http.StatusBadRequest)
				return
			}
			defaults.AutoSyncInterval = d
		}
		conn, err := model.NewSyncConnection(
			req.Name,
			model.ConnectionKind(req.Kind),
			model.Credentials{URL: req.Credentials.URL, APIKey: req.Credentials.APIKey, DSN: req.Credentials.DSN},
			defaults,
		)
		if err != nil {
			writeError(w, err)
			return
		}
		registered, err := s.registry.Register(r.Context(), conn)
		if err != nil {
			writeError(w, err)
			return
		}
		if registered.Defaults.AutoSync && s.recurring != nil {
			if err := s.ensureAutoSync(r.Context(), registered); err != nil {
				_ = s.registry.Unregister(registered.ID)
				writeError(w, err)
				return
			}
		}
		writeJSON(w, http.StatusCreated, toConnectionResponse(registered))
	}
}

// ensureAutoSync registers the recurring spec that re-syncs the connection
// on its configured interval. Occurrences carry the connection defaults so
// each run starts a fresh operation with them.
func (s *Server) ensureAutoSync(ctx context.Context, conn *model.SyncConnection) error {
	interval := conn.Defaults.AutoSyncInterval
	if interval <= 0 {
		interval = time.Hour
	}
	payload := map[string]any{
		"connection_id":   conn.ID,
		"direction":       string(conn.Defaults.Direction),
		"conflict_policy": string(conn.Defaults.ConflictResolution),
		"batch_size":      float64(conn.Defaults.BatchSize),
	}
	_, err := s.recurring.EnsureRecurring(ctx, autoSyncSpecID(conn.ID), model.JobTypeSync, payload, interval, 0)
	return err
}

func autoSyncSpecID(connectionID string) string {
	return "auto-sync:" + connectionID
}

func (s *Server) connectionGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.registry.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toConnectionResponse(conn))
	}
}

func (s *Server) connectionDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.registry.Unregister(id); err != nil {
			writeError(w, err)
			return
		}
		if s.recurring != nil {
			if err := s.recurring.RemoveRecurring(r.Context(), autoSyncSpecID(id)); err != nil {
				s.log.Warn().Err(err).Str("connection_id", id).Msg("auto-sync spec not removed")
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ===== realtime subscriptions =====

func (s *Server) subscriptionsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs := s.subs.List()
		data := make([]subscriptionResponse, 0, len(subs))
		for _, sub := range subs {
			data = append(data, toSubscriptionResponse(sub))
		}
		writeJSON(w, http.StatusOK, struct {
			Data []subscriptionResponse `json:"data"`
		}{data})
	}
}

func (s *Server) subscriptionCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req subscriptionCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		remote, conn, err := s.registry.Remote(req.ConnectionID)
		if err != nil {
			writeError(w, err)
			return
		}
		sub, err := s.subs.Subscribe(remote, conn, req.Table)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toSubscriptionResponse(sub))
	}
}

func (s *Server) subscriptionDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.subs.Unsubscribe(chi.URLParam(r, "connectionID"), chi.URLParam(r, "table"))
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// ===== prompts =====

func (s *Server) promptsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset, limit := pagination(r)
		filter := promptFilter(r)
		prompts, err := s.local.List(r.Context(), filter, offset, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		total, err := s.local.Count(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		data := make([]promptResponse, 0, len(prompts))
		for _, p := range prompts {
			data = append(data, promptResponse{
				ID:         p.ID,
				Name:       p.Name,
				Content:    p.Content,
				Tags:       p.Tags,
				RemoteID:   p.RemoteID,
				LastSyncAt: p.LastSyncAt,
				UpdatedAt:  p.UpdatedAt,
				ArchivedAt: p.ArchivedAt,
			})
		}
		writeJSON(w, http.StatusOK, struct {
			Data   []promptResponse `json:"data"`
			Total  int              `json:"total"`
			Limit  int              `json:"limit"`
			Offset int              `json:"offset"`
		}{data, total, limit, offset})
	}
}
