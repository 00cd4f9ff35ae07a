// Package status exposes a node's recovery state and client write path as
// a NATS micro service.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/intake"
	"github.com/ozanturksever/dtm0-recovery/internal/recovery"
	"github.com/ozanturksever/dtm0-recovery/internal/registry"
)

const defaultWriteTimeout = 5 * time.Second

// StatusProvider reports the recovery state. The scheduler implements it.
type StatusProvider interface {
	Status() recovery.Status
}

// Forgetter drops evicted participants. The scheduler implements it; a
// StatusProvider that also implements Forgetter gets the forget endpoint.
type Forgetter interface {
	Forget(ctx context.Context, id dtx.ParticipantID) error
}

// ForgetRequest is the body of a forget request.
type ForgetRequest struct {
	Participant dtx.ParticipantID `json:"participant"`
}

// Writer accepts client writes. The intake handler implements it.
type Writer interface {
	Write(ctx context.Context, rec dtx.LogRecord) (intake.Result, error)
}

// NodeStatus is the response of the status endpoint.
type NodeStatus struct {
	recovery.Status
	ClusterID string `json:"clusterId"`
	UptimeMs  int64  `json:"uptimeMs"`  // Service uptime
	Timestamp int64  `json:"timestamp"` // Unix timestamp in milliseconds
}

// ServiceConfig contains configuration for the status service.
type ServiceConfig struct {
	ClusterID    string
	NodeID       dtx.ParticipantID
	Version      string        // Service version (optional, defaults to "1.0.0")
	WriteTimeout time.Duration // Bound on one write request (optional)
}

// SubjectBase returns the subject base for this node's service.
// Format: dtm0.<cluster_id>.svc.<node_id>
func (c ServiceConfig) SubjectBase() string {
	return SubjectBase(c.ClusterID, c.NodeID)
}

// ServiceName returns the service name for registration.
// Format: dtm0-<cluster_id>-<node_id>
func (c ServiceConfig) ServiceName() string {
	return fmt.Sprintf("dtm0-%s-%s", c.ClusterID, c.NodeID)
}

// SubjectBase returns the service subject base of node in cluster.
func SubjectBase(clusterID string, node dtx.ParticipantID) string {
	return fmt.Sprintf("dtm0.%s.svc.%s", clusterID, node)
}

// Service wraps a nats.micro service. Besides the built-in PING, INFO and
// STATS endpoints it serves:
//   - status: the scheduler's view, with uptime
//   - write: a JSON LogRecord submitted to the intake path
//   - forget: drop an evicted participant from the registry
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger

	nc  *nats.Conn
	svc micro.Service

	mu        sync.RWMutex
	provider  StatusProvider
	writer    Writer
	startedAt time.Time
}

// NewService creates a status service on an existing connection. The
// connection is owned by the caller.
func NewService(nc *nats.Conn, cfg ServiceConfig, provider StatusProvider, writer Writer) (*Service, error) {
	if cfg.ClusterID == "" {
		return nil, fmt.Errorf("clusterID is required")
	}
	if err := cfg.NodeID.ValidateToken(); err != nil {
		return nil, fmt.Errorf("nodeID: %w", err)
	}
	if nc == nil {
		return nil, fmt.Errorf("NATS connection is required")
	}
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	return &Service{
		cfg:      cfg,
		nc:       nc,
		provider: provider,
		writer:   writer,
		logger:   slog.Default().With("component", "status", "node", cfg.NodeID, "cluster", cfg.ClusterID),
	}, nil
}

// Start registers the micro service and its endpoints.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svc != nil {
		return nil
	}

	svcConfig := micro.Config{
		Name:        s.cfg.ServiceName(),
		Version:     s.cfg.Version,
		Description: fmt.Sprintf("DTM0 participant %s in cluster %s", s.cfg.NodeID, s.cfg.ClusterID),
		Metadata: map[string]string{
			"cluster_id": s.cfg.ClusterID,
			"node_id":    string(s.cfg.NodeID),
		},
	}

	svc, err := micro.AddService(s.nc, svcConfig)
	if err != nil {
		return fmt.Errorf("create micro service: %w", err)
	}

	statusSubject := s.cfg.SubjectBase() + ".status"
	err = svc.AddEndpoint("status", micro.HandlerFunc(s.handleStatus), micro.WithEndpointSubject(statusSubject))
	if err != nil {
		_ = svc.Stop()
		return fmt.Errorf("add status endpoint: %w", err)
	}
	writeSubject := s.cfg.SubjectBase() + ".write"
	err = svc.AddEndpoint("write", micro.HandlerFunc(s.handleWrite), micro.WithEndpointSubject(writeSubject))
	if err != nil {
		_ = svc.Stop()
		return fmt.Errorf("add write endpoint: %w", err)
	}

	forgetSubject := s.cfg.SubjectBase() + ".forget"
	err = svc.AddEndpoint("forget", micro.HandlerFunc(s.handleForget), micro.WithEndpointSubject(forgetSubject))
	if err != nil {
		_ = svc.Stop()
		return fmt.Errorf("add forget endpoint: %w", err)
	}

	s.svc = svc
	s.startedAt = time.Now()

	s.logger.Info("service started",
		"name", svcConfig.Name,
		"status_subject", statusSubject,
		"write_subject", writeSubject,
		"forget_subject", forgetSubject,
	)
	return nil
}

// Stop stops the micro service.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svc == nil {
		return nil
	}
	err := s.svc.Stop()
	s.svc = nil
	s.logger.Info("service stopped")
	if err != nil {
		return fmt.Errorf("stop micro service: %w", err)
	}
	return nil
}

// Running returns true if the service is registered and connected.
func (s *Service) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc != nil && s.nc.IsConnected()
}

// Info returns the service info.
func (s *Service) Info() *micro.Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.svc == nil {
		return nil
	}
	info := s.svc.Info()
	return &info
}

// Stats returns the service statistics.
func (s *Service) Stats() *micro.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.svc == nil {
		return nil
	}
	stats := s.svc.Stats()
	return &stats
}

func (s *Service) handleStatus(req micro.Request) {
	s.mu.RLock()
	provider := s.provider
	startedAt := s.startedAt
	s.mu.RUnlock()

	status := NodeStatus{ClusterID: s.cfg.ClusterID}
	if provider != nil {
		status.Status = provider.Status()
	} else {
		status.Self = s.cfg.NodeID
	}

	now := time.Now()
	status.Timestamp = now.UnixMilli()
	if !startedAt.IsZero() {
		status.UptimeMs = now.Sub(startedAt).Milliseconds()
	}

	data, err := json.Marshal(status)
	if err != nil {
		s.logger.Error("failed to marshal status", "error", err)
		_ = req.Error("500", "internal error", nil)
		return
	}
	_ = req.Respond(data)
}

func (s *Service) handleWrite(req micro.Request) {
	s.mu.RLock()
	writer := s.writer
	s.mu.RUnlock()
	if writer == nil {
		_ = req.Error("501", "writes are not served by this node", nil)
		return
	}

	var rec dtx.LogRecord
	if err := json.Unmarshal(req.Data(), &rec); err != nil {
		_ = req.Error("400", fmt.Sprintf("invalid record: %v", err), nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	res, err := writer.Write(ctx, rec)
	if err != nil {
		code := "500"
		switch {
		case errors.Is(err, intake.ErrNotAccepting):
			code = "503"
		case errors.Is(err, intake.ErrNotAParticipant), errors.Is(err, intake.ErrMissingService):
			code = "400"
		}
		s.logger.Debug("write rejected", "tx", rec.Desc.ID, "code", code, "error", err)
		_ = req.Error(code, err.Error(), nil)
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		_ = req.Error("500", "internal error", nil)
		return
	}
	_ = req.Respond(data)
}

func (s *Service) handleForget(req micro.Request) {
	s.mu.RLock()
	forgetter, ok := s.provider.(Forgetter)
	s.mu.RUnlock()
	if !ok {
		_ = req.Error("501", "forget is not served by this node", nil)
		return
	}

	var fr ForgetRequest
	if err := json.Unmarshal(req.Data(), &fr); err != nil {
		_ = req.Error("400", fmt.Sprintf("invalid request: %v", err), nil)
		return
	}
	if err := fr.Participant.ValidateToken(); err != nil {
		_ = req.Error("400", fmt.Sprintf("invalid participant: %v", err), nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := forgetter.Forget(ctx, fr.Participant); err != nil {
		code := "500"
		switch {
		case errors.Is(err, registry.ErrUnknownParticipant):
			code = "404"
		case errors.Is(err, registry.ErrNotEvicted):
			code = "409"
		}
		_ = req.Error(code, err.Error(), nil)
		return
	}

	data, err := json.Marshal(fr)
	if err != nil {
		_ = req.Error("500", "internal error", nil)
		return
	}
	s.logger.Info("participant forgotten", "participant", fr.Participant)
	_ = req.Respond(data)
}
