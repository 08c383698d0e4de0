// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-discord-bridge/pkg/connector"
)

// EventHandler receives converted Matrix events.
type EventHandler interface {
	HandleMatrixEvent(ctx context.Context, evt connector.MatrixEvent)
}

// Listen dispatches appservice events to h until ctx is cancelled. Each
// event is handled in its own goroutine.
func (c *Client) Listen(ctx context.Context, h EventHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.AS.Events:
			if !ok {
				return
			}
			converted := convertEvent(evt, time.Now())
			if converted == nil {
				continue
			}
			c.log.Trace().
				Str("event_id", evt.ID.String()).
				Str("event_type", evt.Type.Type).
				Msg("Dispatching Matrix event")
			go h.HandleMatrixEvent(ctx, converted)
		}
	}
}

// eventAge is the time since the homeserver received evt. The unsigned age
// is preferred since it does not depend on clock skew.
func eventAge(evt *event.Event, now time.Time) time.Duration {
	if evt.Unsigned.Age > 0 {
		return time.Duration(evt.Unsigned.Age) * time.Millisecond
	}
	if evt.Timestamp > 0 {
		return max(now.Sub(time.UnixMilli(evt.Timestamp)), 0)
	}
	return 0
}

// convertEvent maps an appservice event onto the bridge's event variants.
// Unsupported events return nil.
func convertEvent(evt *event.Event, now time.Time) connector.MatrixEvent {
	if evt == nil {
		return nil
	}
	switch evt.Type.Type {
	case event.EventMessage.Type:
		content := evt.Content.AsMessage()
		if content == nil || content.MsgType == "" {
			return nil
		}
		return &connector.MatrixMessageEvent{
			RoomID:  evt.RoomID,
			EventID: evt.ID,
			Sender:  evt.Sender,
			Age:     eventAge(evt, now),
			Content: content,
		}
	case event.StateMember.Type:
		if evt.StateKey == nil {
			return nil
		}
		content := evt.Content.AsMember()
		return &connector.MatrixMembershipEvent{
			RoomID:      evt.RoomID,
			Sender:      evt.Sender,
			Target:      id.UserID(*evt.StateKey),
			Membership:  content.Membership,
			Displayname: content.Displayname,
			Age:         eventAge(evt, now),
		}
	case event.EphemeralEventTyping.Type:
		return &connector.MatrixTypingEvent{
			RoomID:  evt.RoomID,
			UserIDs: evt.Content.AsTyping().UserIDs,
		}
	}
	return nil
}

// queryHandler answers homeserver queries for bridge namespaces.
type queryHandler struct {
	connector *connector.DiscordConnector
	timeout   time.Duration
}

// QueryAlias creates the room behind a bridge alias on demand.
func (q *queryHandler) QueryAlias(alias string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	return q.connector.HandleAliasQuery(ctx, alias)
}

// QueryUser reports unknown ghosts as absent. Ghosts are registered when a
// Discord member is first seen.
func (q *queryHandler) QueryUser(_ id.UserID) bool {
	return false
}

// SetQueryHandler routes alias queries to the connector.
func (c *Client) SetQueryHandler(conn *connector.DiscordConnector) {
	c.AS.QueryHandler = &queryHandler{connector: conn, timeout: time.Minute}
}
