package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/m3r33/izues/internal/dispatch"
	"github.com/m3r33/izues/internal/message"
	"github.com/m3r33/izues/internal/recipient"
	"github.com/m3r33/izues/internal/relay"
)

// Error bodies returned to clients. Details are logged, never returned.
const (
	errInvalidBody    = "Invalid request body"
	errMissingFields  = "Missing required fields"
	errInternalServer = "Internal server error"
)

type formData struct {
	From    string `json:"from"`
	Subject string `json:"subject"`
	Message string `json:"message"`
}

type sendRequest struct {
	FormData formData `json:"formData"`

	// EmailLists is a pointer so an absent list can be told apart from an
	// empty one.
	EmailLists  *[]recipient.Entry `json:"emailLists"`
	SMTPConfigs []relay.Config     `json:"smtpConfigs"`
}

func (r *sendRequest) dispatchRequest() dispatch.Request {
	req := dispatch.Request{
		Message: message.Message{
			From:     r.FormData.From,
			Subject:  r.FormData.Subject,
			HTMLBody: r.FormData.Message,
		},
		Relays: r.SMTPConfigs,
	}
	if r.EmailLists != nil {
		req.Entries = *r.EmailLists
		if req.Entries == nil {
			req.Entries = []recipient.Entry{}
		}
	}
	return req
}

type sendResponse struct {
	Message     string            `json:"message"`
	TotalSent   int               `json:"totalSent"`
	TotalFailed int               `json:"totalFailed"`
	TotalUnsent int               `json:"totalUnsent"`
	Details     []dispatch.Result `json:"details"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type smtpTestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	State   string               `json:"state"`
	LastRun *dispatch.RunSummary `json:"lastRun"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendRequest
	if err := decodeJSON(w, r, &body); err != nil {
		slog.Warn("invalid send request", "error", err)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errInvalidBody})
		return
	}

	report, err := s.dispatcher.Run(r.Context(), body.dispatchRequest())
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("rejected send request", "error", err)
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: errMissingFields})
			return
		}
		slog.Error("error processing emails", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errInternalServer})
		return
	}

	details := report.Details
	if details == nil {
		details = []dispatch.Result{}
	}
	writeJSON(w, http.StatusOK, sendResponse{
		Message:     "Emails processed",
		TotalSent:   report.TotalSent,
		TotalFailed: report.TotalFailed,
		TotalUnsent: report.TotalUnsent,
		Details:     details,
	})
}

func (s *Server) handleSMTPTest(w http.ResponseWriter, r *http.Request) {
	var cfg relay.Config
	if err := decodeJSON(w, r, &cfg); err != nil {
		// The endpoint only answers success or failure.
		writeJSON(w, http.StatusInternalServerError, smtpTestResponse{
			Message: "SMTP connection failed",
			Error:   errInvalidBody,
		})
		return
	}

	ctx := r.Context()
	if s.config.VerifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.VerifyTimeout)
		defer cancel()
	}

	if err := s.verifier.Verify(ctx, cfg); err != nil {
		slog.Warn("SMTP connection test failed", "relay", cfg.String(), "error", err)
		writeJSON(w, http.StatusInternalServerError, smtpTestResponse{
			Message: "SMTP connection failed",
			Error:   err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, smtpTestResponse{
		Success: true,
		Message: "SMTP connection successful",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		State:   s.dispatcher.State().String(),
		LastRun: s.dispatcher.LastRun(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
