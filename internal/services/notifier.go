package services

import (
	"context"
	"fmt"
	"log/slog"

	"flashsale/models"

	pubnub "github.com/pubnub/go/v7"
)

// Notifier tells a waiting user that their ticket can proceed.
type Notifier interface {
	TicketReady(ctx context.Context, ticket *models.Ticket)
}

type NopNotifier struct{}

func (NopNotifier) TicketReady(context.Context, *models.Ticket) {}

// publisher is the slice of *pubnub.PubNub used for notifications.
type publisher interface {
	Publish(channel string, message interface{}) error
}

type pubnubPublisher struct {
	pn *pubnub.PubNub
}

func (p pubnubPublisher) Publish(channel string, message interface{}) error {
	_, st, err := p.pn.Publish().
		Channel(channel).
		Message(message).
		Execute()
	if err != nil {
		return err
	}
	if st.Error != nil {
		return fmt.Errorf("pubnub status %d: %w", st.StatusCode, st.Error)
	}
	return nil
}

type PubNubNotifier struct {
	pub publisher
}

func NewPubNubNotifier(publishKey, subscribeKey, secretKey, userID string) *PubNubNotifier {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	pnCfg.PublishKey = publishKey
	pnCfg.SubscribeKey = subscribeKey
	pnCfg.SecretKey = secretKey

	return &PubNubNotifier{pub: pubnubPublisher{pn: pubnub.NewPubNub(pnCfg)}}
}

func (n *PubNubNotifier) TicketReady(_ context.Context, ticket *models.Ticket) {
	message := map[string]interface{}{
		"type":       "ticket.ready",
		"ticket_id":  ticket.ID,
		"event_id":   ticket.EventID,
		"gate_token": ticket.GateToken,
	}
	if ticket.ExpiresAt != nil {
		message["expires_at"] = ticket.ExpiresAt.UnixMilli()
	}

	if err := n.pub.Publish(userChannel(ticket.UserID), message); err != nil {
		slog.Warn("failed to notify ready ticket", "error", err, "ticket_id", ticket.ID, "user_id", ticket.UserID)
	}
}

func userChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}
