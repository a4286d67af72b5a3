package tracking

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EventStore records tracking events against the entities they belong to.
type EventStore interface {
	// MarkDelivered flips a message to delivered by its tracking token.
	// Unknown tokens are a no-op, not an error.
	MarkDelivered(ctx context.Context, trackingToken string) error

	// ResolveShortcode returns the original URL behind a click short code.
	ResolveShortcode(ctx context.Context, code string) (string, error)

	// UnsubscribeContact flips a contact to unsubscribed.
	UnsubscribeContact(ctx context.Context, contactID string) error
}

// Handler serves the public endpoints behind the URLs the injector embeds
// in outbound HTML.
type Handler struct {
	store  EventStore
	tokens *TokenIssuer
}

// NewHandler creates a tracking handler.
func NewHandler(store EventStore, tokens *TokenIssuer) *Handler {
	return &Handler{store: store, tokens: tokens}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{token}", h.HandleOpen)
	r.Get("/track/click/{code}/{token}", h.HandleClick)
	r.Get("/track/unsubscribe/{token}", h.HandleUnsubscribe)
	r.Post("/track/unsubscribe/{token}", h.HandleUnsubscribe)
	return r
}

// HandleOpen records a pixel fetch as a delivery confirmation. The pixel is
// always served; a bad token must not break image rendering in the client.
func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token != "" {
		if err := h.store.MarkDelivered(r.Context(), token); err != nil {
			logger.Error("open tracking failed", "error", err.Error())
		}
	}
	h.servePixel(w)
}

// HandleClick resolves the short code and redirects. A click also proves
// delivery, so the message is marked delivered as a side effect.
func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	token := chi.URLParam(r, "token")

	target, err := h.store.ResolveShortcode(r.Context(), code)
	if err != nil || target == "" {
		http.Error(w, "bad link", http.StatusNotFound)
		return
	}
	if token != "" {
		if err := h.store.MarkDelivered(r.Context(), token); err != nil {
			logger.Error("click tracking failed", "error", err.Error())
		}
	}
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

// HandleUnsubscribe verifies the signed token and flips the contact to
// unsubscribed. POST serves RFC 8058 one-click unsubscribe; GET serves the
// footer link.
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	claims, err := h.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}
	if err := h.store.UnsubscribeContact(r.Context(), claims.ContactID); err != nil {
		logger.Error("unsubscribe failed", "contact_id", claims.ContactID, "error", err.Error())
		http.Error(w, "unsubscribe failed", http.StatusInternalServerError)
		return
	}
	logger.Info("contact unsubscribed", "contact_id", claims.ContactID, "campaign_id", claims.CampaignID)

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive emails from us.</p>
	</body></html>`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}
