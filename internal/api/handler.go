package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mailpipe/internal/csvparser"
	"mailpipe/internal/db"
	"mailpipe/internal/models"
	"mailpipe/internal/producer"
	"mailpipe/internal/queue"
)

const maxCSVRecipients = 5000

// Handler is the thin HTTP glue in front of the dispatch pipeline; it holds
// no business logic of its own.
type Handler struct {
	Producer *producer.Dispatcher
	Queue    *queue.Manager
	Store    *db.Store
	Log      *zap.Logger
}

type sendRequest struct {
	models.MailOptions
	EmailType models.EmailType `json:"emailType"`
}

func (h *Handler) SendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.To) == 0 {
		http.Error(w, "at least one recipient required", http.StatusBadRequest)
		return
	}
	if req.EmailType == "" {
		req.EmailType = models.TypeGeneral
	}

	res, err := h.Producer.SendEmail(r.Context(), req.MailOptions, req.EmailType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusAccepted
	if !res.Success {
		// Deferred, not dropped; the body names current/limit usage.
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, res)
}

type bulkRequest struct {
	Recipients    []string         `json:"recipients"`
	Subject       string           `json:"subject"`
	HTML          string           `json:"html"`
	Text          string           `json:"text,omitempty"`
	EmailType     models.EmailType `json:"emailType"`
	ScheduledTime *time.Time       `json:"scheduledTime,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
}

func (h *Handler) SendBulkEmail(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Recipients) == 0 {
		http.Error(w, "at least one recipient required", http.StatusBadRequest)
		return
	}
	if req.EmailType == "" {
		req.EmailType = models.TypeNewsletter
	}

	var (
		res *models.BulkSendResult
		err error
	)
	if req.ScheduledTime != nil && req.ScheduledTime.After(time.Now()) {
		res, err = h.Producer.ScheduleBulkEmail(r.Context(), req.Recipients, req.Subject, req.HTML, req.Text, req.EmailType, *req.ScheduledTime, req.ExpiresAt)
	} else {
		res, err = h.Producer.SendBulkEmail(r.Context(), req.Recipients, req.Subject, req.HTML, req.Text, req.EmailType, req.ExpiresAt)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

// SendBulkCSV accepts a multipart subscriber CSV upload (field "file") plus
// subject/html form fields and fans it out as a bulk send.
func (h *Handler) SendBulkCSV(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "csv file required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	recipients, err := csvparser.ParseRecipients(file, maxCSVRecipients)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Producer.SendBulkEmail(
		r.Context(),
		recipients,
		r.FormValue("subject"),
		r.FormValue("html"),
		r.FormValue("text"),
		models.TypeNewsletter,
		nil,
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, res)
}

type scheduleRequest struct {
	models.MailOptions
	EmailType     models.EmailType `json:"emailType"`
	ScheduledTime time.Time        `json:"scheduledTime"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
}

// ScheduleEmail persists a user-chosen future send; the cron scheduler picks
// it up when due. This path survives restarts and is listable below.
func (h *Handler) ScheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.To) == 0 {
		http.Error(w, "at least one recipient required", http.StatusBadRequest)
		return
	}
	if !req.ScheduledTime.After(time.Now()) {
		http.Error(w, "scheduledTime must be in the future", http.StatusBadRequest)
		return
	}
	if req.EmailType == "" {
		req.EmailType = models.TypeNewsletter
	}

	rec := &models.ScheduledEmail{
		MailOptions:   req.MailOptions,
		EmailType:     req.EmailType,
		ScheduledTime: req.ScheduledTime,
		Status:        models.ScheduleStatusPending,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := h.Store.CreateScheduledEmail(r.Context(), rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Log.Info("scheduled email created",
		zap.Int64("id", rec.ID),
		zap.Time("scheduled_time", rec.ScheduledTime),
	)
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) ListScheduled(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Store.ListPending(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) UsageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Producer.GetUsageStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.GetQueueStats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
