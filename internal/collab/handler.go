package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rickgao/tripsync/internal/connection"
	"github.com/rickgao/tripsync/internal/correlator"
	"github.com/rickgao/tripsync/internal/protocol"
	"github.com/rickgao/tripsync/internal/rooms"
)

// HandleFrame decodes one inbound frame, applies it to local state, settles
// the call it answers and publishes it. Staleness follows delivery order:
// frames read before their channel dropped arrive ahead of the drop and
// are still handled; frames queued behind it are dropped.
func (c *Client) HandleFrame(frame connection.Frame) {
	c.statsMu.Lock()
	c.frames++
	c.statsMu.Unlock()

	ev, env, err := protocol.Decode(frame.Data)
	if err != nil {
		c.statsMu.Lock()
		c.malformed++
		c.statsMu.Unlock()
		c.logger.Warn("dropping malformed frame", "error", err)
		return
	}

	c.mu.Lock()
	if frame.Session != c.live {
		c.mu.Unlock()
		c.statsMu.Lock()
		c.stale++
		c.statsMu.Unlock()
		c.logger.Debug("dropping frame from stale channel", "type", env.Type, "session", frame.Session)
		return
	}
	pending, publish := c.apply(ev, env)
	c.mu.Unlock()

	// State is applied before the caller wakes up
	if pending != nil {
		pending.Resolve(ev)
	}
	if publish {
		c.events.Publish(ev)
	}
}

// apply mutates local state for ev. It returns the call ev answers, if
// any, and whether subscribers should see ev. Must be called with c.mu held.
func (c *Client) apply(ev protocol.Event, env protocol.Envelope) (*correlator.Pending, bool) {
	switch e := ev.(type) {
	case *protocol.Ack:
		p := c.calls.Match(e, env)
		if p != nil {
			c.applyOutcome(p, e)
		}
		return p, false

	case *protocol.RoomJoined:
		p := c.calls.Match(e, env)
		if p == nil {
			c.logger.Debug("discarding unsolicited room_joined", "room_id", e.RoomID)
			return nil, false
		}
		c.applyOutcome(p, e)
		return p, true

	case *protocol.RoomCreated:
		p := c.calls.Match(e, env)
		switch {
		case p != nil:
			c.applyOutcome(p, e)
		case c.ownsCreation(e):
			c.applyCreated(e)
		default:
			c.rooms.UpsertCatalog(rooms.Summary{
				ID:          e.RoomID,
				Name:        e.RoomName,
				MemberCount: 1,
				CreatedAt:   e.Timestamp.Time,
			})
		}
		return p, true

	case *protocol.ActionResult:
		p := c.calls.Match(e, env)
		if p != nil {
			c.applyOutcome(p, e)
		} else if env.RequestID != "" {
			return nil, false
		} else if !e.Result.Success {
			c.logger.Warn("action failed", "action", e.Action, "message", e.Result.Message)
		}
		return p, true

	case *protocol.ErrorEvent:
		p := c.calls.Match(e, env)
		if p == nil {
			if env.RequestID != "" {
				return nil, false
			}
			c.logger.Warn("server error", "message", e.Message, "code", e.Code, "action", e.Action)
		}
		return p, true

	case *protocol.ChatMessage:
		if e.Timestamp.Invalid() {
			c.logger.Debug("unreadable message timestamp", "room_id", e.RoomID, "timestamp", e.Timestamp.Raw)
		}
		if !c.rooms.RecordMessage(toMessage(*e, e.RoomID)) {
			c.logger.Debug("message for room not joined", "room_id", e.RoomID)
		}

	case *protocol.RoomList:
		c.rooms.SetCatalog(toSummaries(e.Rooms))

	case *protocol.UserRoomEvent:
		if e.Joined() {
			c.rooms.AddMember(e.RoomID, rooms.Member{UserID: e.UserID, UserName: e.UserName, JoinedAt: e.Timestamp.Time})
			c.presence.UserJoined(e.RoomID, e.UserID, e.UserName)
		} else {
			c.rooms.RemoveMember(e.RoomID, e.UserID)
			c.presence.UserLeft(e.RoomID, e.UserID)
		}

	case *protocol.TypingUpdate:
		c.presence.ReplaceTyping(e.RoomID, toSignals(e.TypingUsers))

	case *protocol.CollaborationState:
		c.presence.SetCollaborators(e.Room(), toCollaborators(e.Collaborators))

	case *protocol.CollaboratorEvent:
		if e.Joined() {
			c.presence.UserJoined(e.Room(), e.UserID, e.UserName)
		} else {
			c.presence.UserLeft(e.Room(), e.UserID)
		}

	case *protocol.UserTyping:
		if e.IsTyping {
			c.presence.StartTyping(e.Room(), e.UserID, e.UserName, e.Section)
		} else {
			c.presence.StopTyping(e.Room(), e.UserID)
		}
	}

	return nil, true
}

// applyOutcome applies the local effect of a successful acknowledged call.
func (c *Client) applyOutcome(p *correlator.Pending, ev protocol.Event) {
	if protocol.Failure(ev) != nil {
		return
	}

	switch p.Action {
	case protocol.ActionJoinRoom:
		joined, ok := ev.(*protocol.RoomJoined)
		if !ok {
			joined = &protocol.RoomJoined{}
			c.decodeAckData(ev, joined)
		}
		if joined.RoomID == "" {
			joined.RoomID = p.Subject
		}
		c.applyJoined(joined)

	case protocol.ActionLeaveRoom:
		c.rooms.Leave(p.Subject)
		c.presence.ClearRoom(p.Subject)

	case protocol.ActionCreateRoom:
		c.applyCreated(createdFrom(p, ev))
	}
}

func (c *Client) applyJoined(e *protocol.RoomJoined) {
	history := make([]rooms.Message, 0, len(e.RecentMessages))
	for _, m := range e.RecentMessages {
		history = append(history, toMessage(m, e.RoomID))
	}
	c.rooms.Join(e.RoomID, e.RoomName, toMembers(e.Members), history)
	c.presence.SetCollaborators(e.RoomID, toCollaborators(e.Members))
}

func (c *Client) applyCreated(e *protocol.RoomCreated) {
	if e.RoomID == "" {
		return
	}
	delete(c.creating, creationKey(e.RoomID, ""))
	delete(c.creating, creationKey("", e.RoomName))

	self := c.manager.Credentials()
	c.rooms.Create(e.RoomID, e.RoomName, rooms.Member{
		UserID:   self.UserID,
		UserName: self.DisplayName,
		JoinedAt: e.Timestamp.Time,
	}, e.Timestamp.Time)
}

// ownsCreation reports whether a room_created event answers a
// fire-and-forget create from this client.
func (c *Client) ownsCreation(e *protocol.RoomCreated) bool {
	if e.CreatedBy != "" && e.CreatedBy == c.manager.Credentials().UserID {
		return true
	}
	if _, ok := c.creating[creationKey(e.RoomID, "")]; ok {
		return true
	}
	_, ok := c.creating[creationKey("", e.RoomName)]
	return ok
}

// decodeAckData fills v from an ack's data payload, if ev is an ack.
func (c *Client) decodeAckData(ev protocol.Event, v interface{}) {
	ack, ok := ev.(*protocol.Ack)
	if !ok || len(ack.Data) == 0 || string(ack.Data) == "null" {
		return
	}
	if err := json.Unmarshal(ack.Data, v); err != nil {
		c.logger.Warn("ignoring malformed ack data", "token", ack.RequestID, "error", err)
	}
}

// createdFrom builds the creation event for a settled create call.
func createdFrom(p *correlator.Pending, ev protocol.Event) *protocol.RoomCreated {
	if created, ok := ev.(*protocol.RoomCreated); ok {
		return created
	}
	created := &protocol.RoomCreated{RoomID: p.Subject}
	if ack, ok := ev.(*protocol.Ack); ok && len(ack.Data) > 0 {
		var data protocol.RoomCreated
		if json.Unmarshal(ack.Data, &data) == nil {
			if data.RoomID != "" {
				created.RoomID = data.RoomID
			}
			created.RoomName = data.RoomName
			created.Timestamp = data.Timestamp
		}
	}
	return created
}

// HandleStateChange publishes the transition and tears down or restores
// per-connection state.
func (c *Client) HandleStateChange(change connection.StateChange) {
	c.mu.Lock()
	if change.New == connection.StateConnected {
		c.live = change.Session
	} else {
		c.live = 0
	}
	c.mu.Unlock()

	switch change.New {
	case connection.StateReconnecting:
		c.mu.Lock()
		if c.cfg.RejoinOnReconnect {
			for _, id := range c.rooms.Joined() {
				c.rejoin[id] = struct{}{}
			}
		}
		c.resetLocked()
		c.mu.Unlock()

		c.stopTypingTimers()
		c.calls.RejectEpoch(change.Session, closedErr(change.Err))

	case connection.StateClosed, connection.StateDisconnected:
		c.mu.Lock()
		c.resetLocked()
		c.rejoin = make(map[string]struct{})
		c.mu.Unlock()

		c.stopTypingTimers()
		c.calls.RejectEpoch(change.Session, closedErr(change.Err))

	case connection.StateConnected:
		c.mu.Lock()
		ids := make([]string, 0, len(c.rejoin))
		for id := range c.rejoin {
			ids = append(ids, id)
		}
		c.rejoin = make(map[string]struct{})
		c.mu.Unlock()

		if len(ids) > 0 && c.ctx.Err() == nil {
			c.wg.Add(1)
			go c.rejoinRooms(ids)
		}
	}

	c.logger.Debug("connection state changed", "old", change.Old, "new", change.New, "error", change.Err)

	c.events.Publish(&StateChanged{
		Old:     change.Old,
		New:     change.New,
		Err:     change.Err,
		Attempt: change.Attempt,
	})

	if change.New == connection.StateClosed && errors.Is(change.Err, connection.ErrReconnectFailed) {
		c.events.Publish(&ReconnectFailed{Attempts: change.Attempt, Err: change.Err})
	}
}

func closedErr(cause error) error {
	if cause == nil {
		return correlator.ErrConnectionClosed
	}
	return fmt.Errorf("%w: %v", correlator.ErrConnectionClosed, cause)
}
