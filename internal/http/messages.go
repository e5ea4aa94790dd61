package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/wapipe/internal/bus"
	"github.com/nextlevelbuilder/wapipe/internal/outbound"
	"github.com/nextlevelbuilder/wapipe/internal/store"
	"github.com/nextlevelbuilder/wapipe/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// Sender records and dispatches an outbound message.
type Sender interface {
	Send(ctx context.Context, req outbound.SendRequest) (*store.Message, error)
}

// ReceiptApplier applies a delivery receipt.
type ReceiptApplier interface {
	Apply(ctx context.Context, r bus.Receipt) (*store.Message, bool, error)
}

// Canceller stops pending deliveries of a conversation.
type Canceller interface {
	Cancel(conversationID uuid.UUID) int
}

// MessagesHandler serves the message and conversation endpoints.
type MessagesHandler struct {
	sender Sender
	convs  store.ConversationStore
	msgs   store.MessageStore
	acks   ReceiptApplier
	token  string
	allow  func(key string) bool
	cancel Canceller
}

func NewMessagesHandler(sender Sender, convs store.ConversationStore, msgs store.MessageStore, acks ReceiptApplier, token string) *MessagesHandler {
	return &MessagesHandler{sender: sender, convs: convs, msgs: msgs, acks: acks, token: token}
}

// SetRateLimiter installs a per-tenant admission check.
func (h *MessagesHandler) SetRateLimiter(allow func(key string) bool) { h.allow = allow }

// SetCanceller makes archiving stop the conversation's in-flight deliveries.
func (h *MessagesHandler) SetCanceller(c Canceller) { h.cancel = c }

// RegisterRoutes registers all message routes on the given mux.
func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", h.auth(h.handleSend))
	mux.HandleFunc("GET /v1/conversations/{id}", h.auth(h.handleGetConversation))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", h.auth(h.handleHistory))
	mux.HandleFunc("POST /v1/conversations/{id}/archive", h.auth(h.handleArchive))
	mux.HandleFunc("POST /v1/receipts", h.auth(h.handleReceipt))
}

// auth checks the bearer token, requires a tenant and applies the rate limit.
func (h *MessagesHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && extractBearerToken(r) != h.token {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Code: protocol.ErrUnauthorized})
			return
		}
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: TenantHeader + " header is required", Code: protocol.ErrInvalidRequest})
			return
		}
		if h.allow != nil && !h.allow(tenant) {
			w.Header().Set("Retry-After", retryAfterSeconds)
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", Code: protocol.ErrRateLimited, Retryable: true})
			return
		}
		next(w, r)
	}
}

func (h *MessagesHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req outbound.SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON", Code: protocol.ErrInvalidRequest})
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if req.ClientKey != "" && req.ClientKey != key {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error: "Idempotency-Key header and client_key differ", Code: protocol.ErrInvalidRequest, Field: "client_key",
			})
			return
		}
		req.ClientKey = key
	}
	req.TenantID = r.Header.Get(TenantHeader)

	msg, err := h.sender.Send(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// conversation loads the {id} conversation and hides other tenants' rows.
func (h *MessagesHandler) conversation(r *http.Request) (*store.Conversation, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return nil, &outbound.ValidationError{Field: "id", Reason: "not a uuid"}
	}
	conv, err := h.convs.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != r.Header.Get(TenantHeader) {
		return nil, fmt.Errorf("conversation %s: %w", id, store.ErrNotFound)
	}
	return conv, nil
}

func (h *MessagesHandler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (h *MessagesHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	opts := store.HistoryOpts{Before: r.URL.Query().Get("before")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, &outbound.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		opts.Limit = n
	}

	page, err := h.msgs.History(r.Context(), conv.ID, opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *MessagesHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	conv, err := h.conversation(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.convs.Archive(r.Context(), conv.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if h.cancel != nil {
		if n := h.cancel.Cancel(conv.ID); n > 0 {
			slog.Info("http.archive_cancelled_deliveries", "conversation", conv.ID, "plans", n)
		}
	}
	conv.Archived = true
	writeJSON(w, http.StatusOK, conv)
}

type receiptResponse struct {
	Message *store.Message `json:"message"`
	Applied bool           `json:"applied"`
}

// handleReceipt accepts receipts from adapters that do not talk to the bus.
func (h *MessagesHandler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var rc bus.Receipt
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rc); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON", Code: protocol.ErrInvalidRequest})
		return
	}
	if rc.At.IsZero() {
		rc.At = time.Now().UTC()
	}
	msg, applied, err := h.acks.Apply(r.Context(), rc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{Message: msg, Applied: applied})
}
