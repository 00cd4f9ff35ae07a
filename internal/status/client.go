package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"

	"github.com/ozanturksever/dtm0-recovery/internal/dtx"
	"github.com/ozanturksever/dtm0-recovery/internal/intake"
)

// ServiceError is an error response from a node's service.
type ServiceError struct {
	Code        string
	Description string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service error %s: %s", e.Code, e.Description)
}

// Is lets callers match a 503 against intake.ErrNotAccepting.
func (e *ServiceError) Is(target error) bool {
	return e.Code == "503" && target == intake.ErrNotAccepting
}

func request(ctx context.Context, nc *nats.Conn, subject string, data []byte, out any) error {
	msg, err := nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return err
	}
	if desc := msg.Header.Get(micro.ErrorHeader); desc != "" {
		return &ServiceError{Code: msg.Header.Get(micro.ErrorCodeHeader), Description: desc}
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// QueryStatus queries the status endpoint of node.
func QueryStatus(ctx context.Context, nc *nats.Conn, clusterID string, node dtx.ParticipantID) (*NodeStatus, error) {
	var status NodeStatus
	if err := request(ctx, nc, SubjectBase(clusterID, node)+".status", nil, &status); err != nil {
		return nil, fmt.Errorf("query node %s: %w", node, err)
	}
	return &status, nil
}

// SubmitWrite sends rec to node's write endpoint.
func SubmitWrite(ctx context.Context, nc *nats.Conn, clusterID string, node dtx.ParticipantID, rec dtx.LogRecord) (intake.Result, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return intake.Result{}, fmt.Errorf("marshal record: %w", err)
	}
	var res intake.Result
	if err := request(ctx, nc, SubjectBase(clusterID, node)+".write", data, &res); err != nil {
		return intake.Result{}, fmt.Errorf("write to %s: %w", node, err)
	}
	return res, nil
}

// Forget asks node to drop the evicted participant id from its registry.
func Forget(ctx context.Context, nc *nats.Conn, clusterID string, node, id dtx.ParticipantID) error {
	data, err := json.Marshal(ForgetRequest{Participant: id})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var res ForgetRequest
	if err := request(ctx, nc, SubjectBase(clusterID, node)+".forget", data, &res); err != nil {
		return fmt.Errorf("forget %s on %s: %w", id, node, err)
	}
	return nil
}

// Discover finds the nodes of a cluster through micro service discovery.
// It collects INFO responses until wait elapses or ctx ends.
func Discover(ctx context.Context, nc *nats.Conn, clusterID string, wait time.Duration) (map[dtx.ParticipantID]*micro.Info, error) {
	inbox := nc.NewRespInbox()
	sub, err := nc.SubscribeSync(inbox)
	if err != nil {
		return nil, fmt.Errorf("subscribe to inbox: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	// $SRV.INFO without a name reaches every service; filter by metadata.
	if err := nc.PublishRequest("$SRV.INFO", inbox, nil); err != nil {
		return nil, fmt.Errorf("publish discovery request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	nodes := make(map[dtx.ParticipantID]*micro.Info)
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nodes, nil
			}
			return nodes, fmt.Errorf("collect discovery responses: %w", err)
		}

		var info micro.Info
		if err := json.Unmarshal(msg.Data, &info); err != nil {
			slog.Default().Warn("failed to unmarshal service info", "error", err)
			continue
		}
		if info.Metadata["cluster_id"] != clusterID {
			continue
		}
		if nodeID, ok := info.Metadata["node_id"]; ok {
			nodes[dtx.ParticipantID(nodeID)] = &info
		}
	}
}
