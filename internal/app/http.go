package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"helpdesk/api/internal/auth"
	"helpdesk/api/internal/checkpoint"
	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/metrics"
	"helpdesk/api/internal/report"
	"helpdesk/api/internal/workflow"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    *metrics.Recorder
}

// NewHTTPServer builds the API handler. recorder may be nil, in which case
// /metrics is not served.
func NewHTTPServer(service *Service, corsOrigin string, recorder *metrics.Recorder) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, metrics: recorder}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ok, checks := s.service.Ready(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ok {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ok,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "requests":
		s.handleRequests(w, r, caller, parts[2:])
		return
	case "approvals":
		s.handleApprovals(w, r, caller, parts[2:])
		return
	case "policies":
		if r.Method == http.MethodPost && len(parts) == 3 && parts[2] == "sync" {
			result, err := s.service.SyncPolicies(r.Context(), caller)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
			return
		}
	case "me":
		if r.Method == http.MethodGet && len(parts) == 2 {
			writeJSON(w, http.StatusOK, map[string]any{
				"id":    caller.ID,
				"name":  caller.Name,
				"email": caller.Email,
				"role":  caller.Role,
			})
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRequests(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodPost:
			var in CreateRequestInput
			if err := decodeBody(r, &in); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			result, err := s.service.CreateRequest(r.Context(), caller, in, r.Header.Get("Idempotency-Key"))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusAccepted, result)
			return
		case http.MethodGet:
			filter, err := listFilter(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
				return
			}
			items, err := s.service.ListRequests(r.Context(), caller, filter)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
			return
		}
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	requestID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if r.URL.Query().Get("view") == "full" {
			st, err := s.service.GetRequest(r.Context(), caller, requestID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, st)
			return
		}
		summary, err := s.service.GetState(r.Context(), caller, requestID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && parts[1] == "answers":
		var in AnswerInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		summary, err := s.service.SubmitAnswer(r.Context(), caller, requestID, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case r.Method == http.MethodPost && parts[1] == "cancel":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		summary, err := s.service.Cancel(r.Context(), caller, requestID, body.Reason)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case r.Method == http.MethodPost && parts[1] == "reconcile":
		summary, err := s.service.Reconcile(r.Context(), caller, requestID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	case r.Method == http.MethodGet && parts[1] == "events":
		s.handleEvents(w, r, caller, requestID)
	case r.Method == http.MethodGet && parts[1] == "report":
		s.handleReport(w, r, caller, requestID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request, caller Caller, requestID string) {
	format, err := report.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	result, err := s.service.Report(r.Context(), caller, requestID, format)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleApprovals(w http.ResponseWriter, r *http.Request, caller Caller, parts []string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	if len(parts) == 1 && parts[0] == "stats" {
		stats, err := s.service.ApprovalStats(r.Context(), caller)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	if len(parts) != 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	q := r.URL.Query()
	filter := hil.Filter{
		Assignee: q.Get("assignee"),
		Priority: workflow.Priority(strings.ToUpper(q.Get("priority"))),
		Status:   workflow.QuestionStatus(strings.ToUpper(q.Get("status"))),
	}
	if q.Get("mine") == "true" {
		filter.Assignee = caller.Email
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		filter.Limit = limit
	}
	items, err := s.service.Approvals(r.Context(), caller, filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func listFilter(r *http.Request) (checkpoint.ListFilter, error) {
	q := r.URL.Query()
	f := checkpoint.ListFilter{
		WorkflowStatus: workflow.WorkflowStatus(strings.ToUpper(q.Get("workflowStatus"))),
		RequestStatus:  workflow.RequestStatus(strings.ToUpper(q.Get("status"))),
		RequesterEmail: q.Get("requester"),
		Category:       q.Get("category"),
		Priority:       workflow.Priority(strings.ToUpper(q.Get("priority"))),
	}
	for name, target := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return checkpoint.ListFilter{}, fmt.Errorf("%s must be a non-negative integer", name)
		}
		*target = n
	}
	return f, nil
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		// EventSource cannot set headers.
		token = r.URL.Query().Get("access_token")
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	caller, err := s.service.Authenticate(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		if s.metrics != nil {
			s.metrics.HTTPRequest(routeOf(r.URL.Path), writer.status)
		}
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routeOf replaces the request id segment so metric labels stay bounded.
func routeOf(path string) string {
	parts := splitPath(path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "requests" {
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, Idempotency-Key, Last-Event-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
