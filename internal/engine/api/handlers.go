package api

import (
	"net/http"
	"strconv"

	"github.com/chiquitav2/vpn-provisioner/internal/engine/command"
	"github.com/chiquitav2/vpn-provisioner/internal/engine/peer"
	applogger "github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/chiquitav2/vpn-provisioner/internal/shared/models"
	"github.com/chiquitav2/vpn-provisioner/pkg/api"
)

// IdempotencyKeyHeader lets a caller retry a create and get the first answer.
const IdempotencyKeyHeader = "Idempotency-Key"

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := api.HealthResponse{Status: "healthy", Version: s.version, Checks: map[string]string{}}
	status := http.StatusOK
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	_ = WriteStatus(w, status, resp)
}

func (s *Server) createConfigHandler(w http.ResponseWriter, r *http.Request) {
	var req api.CreateConfigRequest
	if err := ParseJSONRequest(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if req.ServerID <= 0 {
		writeError(w, r, s.logger, validationError("server_id is required"))
		return
	}

	ctx := applogger.WithOwnerID(r.Context(), strconv.FormatInt(req.OwnerID, 10))
	reply, err := s.dispatcher.Dispatch(ctx, command.CreateConfig{
		RequestID: r.Header.Get(IdempotencyKeyHeader),
		Request: peer.CreateRequest{
			ServerID:     req.ServerID,
			OwnerID:      req.OwnerID,
			PlanID:       req.PlanID,
			QuotaBytes:   req.QuotaBytes,
			DurationDays: req.DurationDays,
			IsTest:       req.IsTest,
		},
	})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}

	status := http.StatusCreated
	if reply.Replayed {
		status = http.StatusOK
	}
	_ = WriteStatus(w, status, api.CreateConfigResponse{
		Config:       configInfo(reply.Config),
		ClientConfig: reply.Artifact.Text,
		QRImage:      reply.Artifact.QR,
		Replayed:     reply.Replayed,
	})
}

func (s *Server) getConfigHandler(w http.ResponseWriter, r *http.Request) {
	reply, ok := s.show(w, r)
	if !ok {
		return
	}
	_ = WriteSuccess(w, configInfo(reply.Config))
}

func (s *Server) clientConfigHandler(w http.ResponseWriter, r *http.Request) {
	reply, ok := s.show(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+reply.Config.ID+`.conf"`)
	_, _ = w.Write([]byte(reply.Artifact.Text))
}

func (s *Server) qrHandler(w http.ResponseWriter, r *http.Request) {
	reply, ok := s.show(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(reply.Artifact.QR)
}

func (s *Server) show(w http.ResponseWriter, r *http.Request) (*command.Reply, bool) {
	id := r.PathValue("id")
	reply, err := s.dispatcher.Dispatch(applogger.WithConfigID(r.Context(), id), command.ShowConfig{ConfigID: id})
	if err != nil {
		writeError(w, r, s.logger, err)
		return nil, false
	}
	return reply, true
}

func (s *Server) renewConfigHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reply, err := s.dispatcher.Dispatch(applogger.WithConfigID(r.Context(), id), command.RenewConfig{ConfigID: id})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	_ = WriteSuccess(w, api.RenewConfigResponse{
		ConfigID:  reply.Config.ID,
		ExpiresAt: reply.Config.ExpiresAt,
		Status:    string(reply.Config.Status),
	})
}

func (s *Server) disableConfigHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reply, err := s.dispatcher.Dispatch(applogger.WithConfigID(r.Context(), id), command.DisableConfig{ConfigID: id})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	_ = WriteSuccess(w, api.TransitionResponse{ConfigID: id, Transitioned: reply.Transitioned})
}

func (s *Server) deleteConfigHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reply, err := s.dispatcher.Dispatch(applogger.WithConfigID(r.Context(), id), command.DeleteConfig{ConfigID: id})
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	_ = WriteSuccess(w, api.TransitionResponse{ConfigID: id, Transitioned: reply.Transitioned})
}

func (s *Server) listNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, s.logger, validationError("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	rows, err := s.notifications.ListPendingNotifications(r.Context(), limit)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	out := api.NotificationsListResponse{Notifications: make([]api.NotificationInfo, 0, len(rows))}
	for _, n := range rows {
		out.Notifications = append(out.Notifications, notificationInfo(n))
	}
	out.Count = len(out.Notifications)
	_ = WriteSuccess(w, out)
}

func (s *Server) ackNotificationHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, s.logger, validationError("notification id must be a positive integer"))
		return
	}
	acked, err := s.notifications.AckNotification(r.Context(), id)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	_ = WriteSuccess(w, map[string]bool{"acked": acked})
}

func configInfo(c *models.VpnConfig) api.ConfigInfo {
	return api.ConfigInfo{
		ID:             c.ID,
		OwnerID:        c.OwnerID,
		ServerID:       c.ServerID,
		PlanID:         c.PlanID,
		ClientAddress:  c.ClientAddress,
		PublicKey:      c.PublicKey,
		Status:         string(c.Status),
		IsTest:         c.IsTest,
		QuotaBytes:     c.QuotaBytes,
		ConsumedBytes:  c.Consumed(),
		RemainingBytes: c.RemainingBytes(),
		CreatedAt:      c.CreatedAt,
		ExpiresAt:      c.ExpiresAt,
		RenewedAt:      c.RenewedAt,
	}
}

func notificationInfo(n *models.Notification) api.NotificationInfo {
	return api.NotificationInfo{
		ID:        n.ID,
		ConfigID:  n.ConfigID,
		OwnerID:   n.OwnerID,
		Kind:      string(n.Kind),
		Message:   n.Message,
		CreatedAt: n.CreatedAt,
	}
}
