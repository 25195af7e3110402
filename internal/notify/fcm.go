// README: FCM push notifications for new requests and lifecycle transitions.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"market/internal/logger"
	"market/internal/modules/lifecycle"
	"market/internal/types"
)

// Sender is the subset of *messaging.Client used here.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM publishes to topics: providers subscribe to "<kind>-new" and every
// user subscribes to "user-<uid>".
type FCM struct {
	client Sender
}

func NewFCM(client Sender) *FCM {
	return &FCM{client: client}
}

func NewRequestTopic(kind lifecycle.Kind) string {
	return string(kind) + "-new"
}

func UserTopic(id types.ID) string {
	return "user-" + string(id)
}

func (n *FCM) RequestCreated(ctx context.Context, r *lifecycle.Request) error {
	data := map[string]string{
		"type":       "new_request",
		"kind":       string(r.Kind),
		"request_id": string(r.ID),
		"category":   r.Category,
	}
	topic := NewRequestTopic(r.Kind)
	if r.TargetID != nil {
		// Addressed requests only concern their provider.
		topic = UserTopic(*r.TargetID)
	}
	return n.send(ctx, &messaging.Message{
		Topic: topic,
		Data:  data,
		Notification: &messaging.Notification{
			Title: "New " + string(r.Kind) + " request",
			Body:  newRequestBody(r),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	})
}

func (n *FCM) RequestTransitioned(ctx context.Context, r *lifecycle.Request, e lifecycle.Event) error {
	data := map[string]string{
		"type":        "status_changed",
		"kind":        string(r.Kind),
		"request_id":  string(r.ID),
		"action":      string(e.Action),
		"from_status": string(e.FromStatus),
		"status":      string(e.ToStatus),
		"version":     strconv.Itoa(r.Version),
	}
	recipients := []types.ID{r.RequesterID}
	for _, id := range []*types.ID{r.FulfillerID, r.TargetID} {
		if id != nil && (e.ActorID == nil || *id != *e.ActorID) && *id != r.RequesterID {
			recipients = append(recipients, *id)
		}
	}
	for _, id := range recipients {
		if e.ActorID != nil && id == *e.ActorID {
			continue
		}
		msg := &messaging.Message{
			Topic: UserTopic(id),
			Data:  data,
			Notification: &messaging.Notification{
				Title: fmt.Sprintf("Your %s request", r.Kind),
				Body:  fmt.Sprintf("Status changed to %s", e.ToStatus),
			},
		}
		if err := n.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (n *FCM) send(ctx context.Context, msg *messaging.Message) error {
	messageID, err := n.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM to topic %s: %w", msg.Topic, err)
	}
	logger.Debug("fcm sent", zap.String("topic", msg.Topic), zap.String("message_id", messageID))
	return nil
}

func newRequestBody(r *lifecycle.Request) string {
	if r.Category != "" {
		return r.Category
	}
	if pickup, ok := r.Payload["pickup"].(string); ok && pickup != "" {
		return "Pickup at " + pickup
	}
	return "Tap to view details"
}
