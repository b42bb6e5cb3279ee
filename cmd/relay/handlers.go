package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/realtime-core/internal/dispatch"
	"github.com/rickgao/realtime-core/internal/processor"
)

// Built-in message types.
const (
	TypeEcho           = "echo"
	TypeWorkflowUpdate = "publish_workflow_update"
	TypeNotify         = "notify"
)

var errBadPayload = errors.New("bad payload")

type registrar interface {
	RegisterHandler(msgType string, h processor.HandlerFunc) error
}

type broadcaster interface {
	BroadcastWorkflowUpdate(ctx context.Context, workflowID string, update any) dispatch.BroadcastResult
	BroadcastNotification(ctx context.Context, notification any, userIDs ...string) dispatch.BroadcastResult
}

type workflowRequest struct {
	WorkflowID string          `json:"workflow_id"`
	Update     json.RawMessage `json:"update"`
}

type notifyRequest struct {
	UserIDs      []string        `json:"user_ids"`
	Notification json.RawMessage `json:"notification"`
}

// registerHandlers installs the relay's built-in message handlers.
func registerHandlers(r registrar, b broadcaster) error {
	handlers := map[string]processor.HandlerFunc{
		TypeEcho:           echo,
		TypeWorkflowUpdate: publishWorkflowUpdate(b),
		TypeNotify:         notify(b),
	}
	for msgType, h := range handlers {
		if err := r.RegisterHandler(msgType, h); err != nil {
			return fmt.Errorf("register %s: %w", msgType, err)
		}
	}
	return nil
}

func echo(_ context.Context, msg processor.Message, _, _ string) (any, error) {
	return msg.Payload, nil
}

func publishWorkflowUpdate(b broadcaster) processor.HandlerFunc {
	return func(ctx context.Context, msg processor.Message, _, _ string) (any, error) {
		var req workflowRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, processor.Permanent(fmt.Errorf("%w: %w", errBadPayload, err))
		}
		if req.WorkflowID == "" {
			return nil, processor.Permanent(fmt.Errorf("%w: missing workflow_id", errBadPayload))
		}
		return b.BroadcastWorkflowUpdate(ctx, req.WorkflowID, req.Update), nil
	}
}

func notify(b broadcaster) processor.HandlerFunc {
	return func(ctx context.Context, msg processor.Message, _, _ string) (any, error) {
		var req notifyRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return nil, processor.Permanent(fmt.Errorf("%w: %w", errBadPayload, err))
		}
		if len(req.Notification) == 0 {
			return nil, processor.Permanent(fmt.Errorf("%w: missing notification", errBadPayload))
		}
		return b.BroadcastNotification(ctx, req.Notification, req.UserIDs...), nil
	}
}
