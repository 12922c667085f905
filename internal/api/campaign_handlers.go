package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/FlowPipe/internal/campaign"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

func (s *Server) listSendersHandler(w http.ResponseWriter, r *http.Request) {
	senders, err := s.st.ListSenders()
	if err != nil {
		writeStoreError(w, "list senders", err)
		return
	}
	if senders == nil {
		senders = []models.Sender{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(senders))
}

// SenderRequest registers a sending account.
type SenderRequest struct {
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	SessionID      string `json:"session_id"`
	QuotaPerMinute int    `json:"quota_per_minute,omitempty"`
	QuotaPerHour   int    `json:"quota_per_hour,omitempty"`
	QuotaPerDay    int    `json:"quota_per_day,omitempty"`
}

func (s *Server) createSenderHandler(w http.ResponseWriter, r *http.Request) {
	var req SenderRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("session_id is required"))
		return
	}
	snd := &models.Sender{
		Name:           req.Name,
		Phone:          req.Phone,
		SessionID:      req.SessionID,
		QuotaPerMinute: req.QuotaPerMinute,
		QuotaPerHour:   req.QuotaPerHour,
		QuotaPerDay:    req.QuotaPerDay,
	}
	if err := s.pool.Add(r.Context(), snd); err != nil {
		if errors.Is(err, models.ErrEmptyPhone) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		writeStoreError(w, "create sender", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Sender created", snd))
}

func (s *Server) reconnectSenderHandler(w http.ResponseWriter, r *http.Request) {
	snd, err := s.pool.Reconnect(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, "reconnect sender", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Sender reconnected", snd))
}

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var c models.Campaign
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := s.campaigns.Create(r.Context(), &c); err != nil {
		if errors.Is(err, models.ErrEmptyTemplate) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		writeStoreError(w, "create campaign", err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Campaign created", c))
}

// CampaignDetail is a campaign with its recipients.
type CampaignDetail struct {
	Campaign   *models.Campaign           `json:"campaign"`
	Recipients []models.CampaignRecipient `json:"recipients"`
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.st.GetCampaign(id)
	if err != nil {
		writeStoreError(w, "get campaign", err)
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}
	recipients, err := s.st.ListRecipients(id)
	if err != nil {
		writeStoreError(w, "list recipients", err)
		return
	}
	if recipients == nil {
		recipients = []models.CampaignRecipient{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(CampaignDetail{Campaign: c, Recipients: recipients}))
}

// LaunchRequest lists the contacts a campaign is sent to.
type LaunchRequest struct {
	ContactIDs []string `json:"contact_ids"`
}

func (s *Server) launchCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req LaunchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	c, err := s.campaigns.Launch(r.Context(), id, req.ContactIDs)
	if err != nil {
		if errors.Is(err, campaign.ErrNoRecipients) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		writeStoreError(w, "launch campaign", err)
		return
	}
	slog.Info("Server.launchCampaignHandler: campaign launched", "campaignID", id, "total", c.TotalCount)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Campaign launched", c))
}
