// Package chatapi exposes conversation and history endpoints over HTTP.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ben1maru/tutors-finders-server/cmd/identity"
	"github.com/ben1maru/tutors-finders-server/cmd/internal/chat"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 16 << 10

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler wires chat HTTP endpoints to chat.Service.
type Handler struct {
	log       *slog.Logger
	svc       *chat.Service
	verifier  identity.Verifier
	directory identity.Directory
	now       func() time.Time
}

// HandlerOption configures optional chat handler dependencies.
type HandlerOption func(*Handler)

// WithDirectory sets the display name source for conversation listings.
func WithDirectory(d identity.Directory) HandlerOption {
	return func(h *Handler) {
		if h == nil || d == nil {
			return
		}
		h.directory = d
	}
}

// WithClock overrides the token validation clock (tests).
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a chat Handler. Every route requires a token accepted by verifier.
func NewHandler(log *slog.Logger, svc *chat.Service, verifier identity.Verifier, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if verifier == nil {
		return nil, errors.New("chatapi: nil verifier")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		svc:      svc,
		verifier: verifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires chat routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/user/chat/conversations/findOrCreate", h.handleFindOrCreate)
	mux.HandleFunc("POST /api/user/chat/start", h.handleStart)
	mux.HandleFunc("GET /api/user/chat/conversations", h.handleConversations)
	mux.HandleFunc("GET /api/user/chat/conversations/{conversationId}/messages", h.handleMessages)
}

// ---- handlers ----

func (h *Handler) handleFindOrCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	var req findOrCreateRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "user2_id is required")
		return
	}

	h.open(w, r, p.UserID, req.User2ID)
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if !p.IsStudent() {
		writeError(w, http.StatusForbidden, "forbidden", "only students can start a chat")
		return
	}

	var req startChatRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "tutorId is required")
		return
	}

	h.open(w, r, p.UserID, req.TutorID)
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request, userID, otherID int64) {
	res, err := h.svc.Open(r.Context(), userID, otherID)
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, conversationResponse{ConversationID: res.Conversation.ID})
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	summaries, err := h.svc.ListConversations(r.Context(), p.UserID)
	if err != nil {
		h.writeChatError(w, err)
		return
	}

	names := map[int64]string{}
	if h.directory != nil && len(summaries) > 0 {
		ids := make([]int64, 0, len(summaries))
		for _, s := range summaries {
			ids = append(ids, s.PartnerID)
		}
		got, err := h.directory.DisplayNames(r.Context(), ids)
		if err != nil {
			// Names are decorative; the listing is still useful without them.
			h.log.Warn("chat.api.directory.fail", "user_id", p.UserID, "err", err)
		} else {
			names = got
		}
	}

	writeJSON(w, http.StatusOK, toSummaryResponses(summaries, names))
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	p, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	convID, err := strconv.ParseInt(r.PathValue("conversationId"), 10, 64)
	if err != nil || convID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid conversation id")
		return
	}

	q := r.URL.Query()

	var afterID *int64
	if raw := strings.TrimSpace(q.Get("after_id")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid after_id")
			return
		}
		afterID = &n
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		limit = n
	}

	conv, err := h.svc.Get(r.Context(), convID)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	if !conv.HasParticipant(p.UserID) {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant")
		return
	}

	page, err := h.svc.ListMessages(r.Context(), convID, afterID, limit)
	if err != nil {
		h.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagesResponse(page))
}

// ---- auth + errors ----

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	p, err := identity.Authenticate(h.verifier, r, h.now())
	if err != nil {
		msg := "invalid token"
		if errors.Is(err, identity.ErrMissingToken) {
			msg = "missing bearer token"
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", msg)
		return identity.Principal{}, false
	}
	return p, true
}

func (h *Handler) writeChatError(w http.ResponseWriter, err error) {
	reason := chat.Reason(err)
	switch {
	case chat.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, reason, err.Error())
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, reason, "conversation not found")
	case errors.Is(err, chat.ErrStoreUnavailable):
		h.log.Warn("chat.api.store.fail", "err", err)
		writeError(w, http.StatusServiceUnavailable, reason, "please retry later")
	default:
		h.log.Error("chat.api.fail", "err", err)
		writeError(w, http.StatusInternalServerError, reason, "internal error")
	}
}
