package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"bindrop/cfg"
	"bindrop/pkg/domain"
	"bindrop/svc/bot"
	"bindrop/svc/svc"
	"bindrop/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

type Hdl struct {
	engine *svc.Engine
	bot    *bot.Verifier
	cfg    *cfg.Cfg
}

type CreateReq struct {
	Content     string `json:"content"`
	Title       string `json:"title,omitempty"`
	Tags        string `json:"tags,omitempty"`
	Format      string `json:"format,omitempty"`
	Destination string `json:"destination,omitempty"`
	BotToken    string `json:"bot_token,omitempty"`
	DriveToken  string `json:"drive_token,omitempty"`
}

type EditReq struct {
	Title string `json:"title"`
	Tags  string `json:"tags"`
}

// PasteResp is the client projection of a paste. domain.Paste is never
// serialized to clients directly; it carries the session id and the bot
// score.
type PasteResp struct {
	ID     string    `json:"paste_id"`
	Title  string    `json:"title,omitempty"`
	Tags   []string  `json:"tags"`
	Format string    `json:"format"`
	Date   time.Time `json:"date"`
	URL    string    `json:"url"`
	Views  int64     `json:"views"`
}

type SearchResp struct {
	Results []domain.Summary `json:"results"`
	Page    int              `json:"page"`
	Tags    []string         `json:"tags"`
}

func (h *Hdl) pasteResp(p *domain.Paste, views int64) PasteResp {
	return PasteResp{
		ID:     p.ID,
		Title:  p.Title,
		Tags:   p.Tags,
		Format: string(p.Format),
		Date:   p.Date,
		URL:    p.ContentURL(h.cfg.S3BucketURL),
		Views:  views,
	}
}

func parseDestination(s string) (domain.Destination, bool) {
	switch s {
	case "", string(domain.DestDataStore):
		return domain.DestDataStore, true
	case string(domain.DestDrive):
		return domain.DestDrive, true
	default:
		return "", false
	}
}

func validFormat(s string) bool {
	switch s {
	case "", "text", "html", "log":
		return true
	default:
		return false
	}
}

func (h *Hdl) CreatePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		log.Warn().Str("content_type", r.Header.Get("Content-Type")).Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(map[string]string{
			"error":      "expected Content-Type: application/json",
			"request_id": requestID,
		})
		return
	}

	// The JSON envelope can be a bit bigger than the largest storable
	// body; the real ceiling is enforced on the compressed payload.
	limit := h.cfg.MaxObjectSize * 2
	if clHeader := r.Header.Get("Content-Length"); clHeader != "" {
		cl, err := strconv.ParseInt(clHeader, 10, 64)
		if err != nil || cl < 0 {
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if cl > limit {
			writeErr(w, domain.ErrPasteTooLarge, requestID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			log.Warn().Msg("empty request body")
		} else {
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if req.Content == "" {
		writeErr(w, domain.ErrContentRequired, requestID)
		return
	}
	if !validFormat(req.Format) {
		log.Warn().Str("format", req.Format).Msg("unknown format")
		writeErr(w, domain.ErrInvalidFormat, requestID)
		return
	}
	dest, ok := parseDestination(req.Destination)
	if !ok {
		log.Warn().Str("destination", req.Destination).Msg("unknown destination")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	score := h.bot.Score(r.Context(), req.BotToken)
	params := domain.CreateParams{
		Content:     []byte(req.Content),
		Title:       req.Title,
		Tags:        req.Tags,
		Format:      domain.ParseFormat(req.Format),
		Destination: dest,
		BotScore:    score.InexactFloat64(),
		UserID:      r.Header.Get("X-User-ID"),
		SessionID:   r.Header.Get("X-Session-ID"),
		DriveToken:  req.DriveToken,
	}
	paste, err := h.engine.Create(r.Context(), params)
	if err != nil {
		log.Warn().Err(err).Msg("create failed")
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(h.pasteResp(paste, 0))
}

func (h *Hdl) GetPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	paste, views, err := h.engine.Get(r.Context(), id)
	if err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("get failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(h.pasteResp(paste, views))
}

// GetContent redirects to wherever the body actually lives: the public
// bucket for datastore pastes, the alternate backend's download URL
// otherwise.
func (h *Hdl) GetContent(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	paste, err := h.engine.Peek(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	target := h.cfg.S3BucketURL + paste.StorageKey
	if paste.Alt() {
		target = paste.AltURL
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Hdl) EditPaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	paste, err := h.engine.Peek(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if !paste.OwnedBy(r.Header.Get("X-User-ID"), r.Header.Get("X-Session-ID")) {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}

	var req EditReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid request")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	if err := h.engine.UpdateMeta(r.Context(), paste.ID, req.Title, req.Tags); err != nil {
		log.Warn().Err(err).Str("paste_id", id).Msg("edit failed")
		writeErr(w, err, requestID)
		return
	}
	updated, err := h.engine.Peek(r.Context(), paste.ID)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(h.pasteResp(updated, updated.Views))
}

func (h *Hdl) DeletePaste(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")

	paste, err := h.engine.Peek(r.Context(), id)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if !paste.OwnedBy(r.Header.Get("X-User-ID"), r.Header.Get("X-Session-ID")) {
		writeErr(w, domain.ErrForbidden, requestID)
		return
	}
	if err := h.engine.Delete(r.Context(), paste.ID); err != nil {
		log.Error().Err(err).Str("paste_id", id).Msg("delete failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

func (h *Hdl) SearchPastes(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())

	page := 1
	if raw := r.URL.Query().Get("page"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			page = n
		}
	}
	results, next, tags, err := h.engine.Search(r.Context(), r.URL.Query().Get("tags"), page)
	if err != nil {
		log.Warn().Err(err).Msg("search failed")
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(SearchResp{
		Results: results,
		Page:    next,
		Tags:    tags,
	})
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	resp := domain.ToResp(err)
	if statusCode >= 500 {
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":      resp.Error,
		"request_id": requestID,
	})
}
