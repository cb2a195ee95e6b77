package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/tripsync/internal/config"
	"github.com/rickgao/tripsync/internal/correlator"
	"github.com/rickgao/tripsync/internal/protocol"
	"github.com/rickgao/tripsync/internal/rooms"
)

// call issues an acknowledged request. In the action dialect the match key
// lets result events without a token settle it.
func (c *Client) call(action protocol.Action, payload interface{}, subject string) (*correlator.Pending, error) {
	req := correlator.Request{
		Action:  action,
		Payload: payload,
		Timeout: c.cfg.AckTimeout,
		Subject: subject,
		Epoch:   c.manager.Stats().Session,
	}
	if c.cfg.Dialect != config.DialectAck {
		req.Key = protocol.MatchKey(action, subject)
	}
	return c.calls.Call(req)
}

// await runs fn once per key and waits for its result or ctx.
func (c *Client) await(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error) {
	ch := c.flight.DoChan(key, fn)
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settled waits for p. The wait is bounded by the call's own timeout.
func settled(p *correlator.Pending) (protocol.Event, error) {
	return p.Wait(context.Background())
}

// JoinRoom joins roomID and returns the room as seeded by the server.
// Concurrent joins of the same room share one request.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (rooms.Room, error) {
	if roomID == "" {
		return rooms.Room{}, fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return rooms.Room{}, err
	}

	v, err := c.await(ctx, "join:"+roomID, func() (interface{}, error) {
		p, err := c.call(protocol.ActionJoinRoom, protocol.JoinRoom{RoomID: roomID}, roomID)
		if err != nil {
			return nil, err
		}
		if _, err := settled(p); err != nil {
			return nil, fmt.Errorf("join %s: %w", roomID, err)
		}

		room, ok := c.rooms.Get(roomID)
		if !ok {
			// Torn down between the response and now
			return nil, fmt.Errorf("join %s: %w", roomID, correlator.ErrConnectionClosed)
		}
		return room, nil
	})
	if err != nil {
		return rooms.Room{}, err
	}
	return v.(rooms.Room), nil
}

// LeaveRoom leaves roomID. The local entry is removed once the server
// confirms. Concurrent leaves of the same room share one request.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return err
	}

	_, err := c.await(ctx, "leave:"+roomID, func() (interface{}, error) {
		p, err := c.call(protocol.ActionLeaveRoom, protocol.LeaveRoom{RoomID: roomID}, roomID)
		if err != nil {
			return nil, err
		}
		if _, err := settled(p); err != nil {
			return nil, fmt.Errorf("leave %s: %w", roomID, err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	c.cancelTyping(roomID)
	return nil
}

// CreateRoom asks the server for a new room. Both arguments are optional.
// With the ack dialect it waits for the server and returns the new room;
// with the action dialect it returns immediately and the room appears when
// the room_created event arrives.
func (c *Client) CreateRoom(ctx context.Context, roomID, name string) (rooms.Room, error) {
	if err := c.ready(); err != nil {
		return rooms.Room{}, err
	}
	payload := protocol.CreateRoom{RoomID: roomID, RoomName: name}

	if c.cfg.Dialect != config.DialectAck {
		c.mu.Lock()
		c.creating[creationKey(roomID, name)] = struct{}{}
		c.mu.Unlock()
		return rooms.Room{}, c.calls.Notify(protocol.ActionCreateRoom, payload)
	}

	p, err := c.call(protocol.ActionCreateRoom, payload, roomID)
	if err != nil {
		return rooms.Room{}, err
	}
	ev, err := p.Wait(ctx)
	if err != nil {
		return rooms.Room{}, fmt.Errorf("create room: %w", err)
	}

	created := createdFrom(p, ev)
	room, ok := c.rooms.Get(created.RoomID)
	if !ok {
		return rooms.Room{}, fmt.Errorf("create room: server returned no room id")
	}
	return room, nil
}

// SendMessage posts a chat message to a joined room. It is fire-and-forget;
// the message enters history when the server broadcasts it back.
func (c *Client) SendMessage(roomID, text, messageType string) error {
	if roomID == "" || text == "" {
		return fmt.Errorf("%w: room id and message are required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return err
	}
	if _, ok := c.rooms.Get(roomID); !ok {
		return fmt.Errorf("send to %s: %w", roomID, ErrNotJoined)
	}
	if messageType == "" {
		messageType = "text"
	}

	return c.calls.Notify(protocol.ActionSendMessage, protocol.SendMessage{
		RoomID:      roomID,
		Message:     text,
		MessageType: messageType,
	})
}

// SetTyping signals typing in a room. A start also records the local user
// as typing and schedules an automatic stop after the typing window, so a
// caller that never stops cannot leave the indicator on.
func (c *Client) SetTyping(roomID string, isTyping bool, section string) error {
	if roomID == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return err
	}

	err := c.calls.Notify(protocol.ActionTyping, protocol.Typing{
		RoomID:   roomID,
		IsTyping: isTyping,
		Section:  section,
	})
	if err != nil {
		return err
	}

	self := c.manager.Credentials()

	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if t, ok := c.typing[roomID]; ok {
		t.timer.Stop()
		delete(c.typing, roomID)
	}
	if !isTyping {
		c.presence.StopTyping(roomID, self.UserID)
		return nil
	}

	c.presence.StartTyping(roomID, self.UserID, self.DisplayName, section)
	t := &typingTimer{}
	t.timer = time.AfterFunc(c.presence.Expiry(), func() { c.autoStopTyping(roomID, section, t) })
	c.typing[roomID] = t
	return nil
}

// autoStopTyping sends the stop the caller never sent.
func (c *Client) autoStopTyping(roomID, section string, t *typingTimer) {
	c.timerMu.Lock()
	if c.typing[roomID] != t {
		c.timerMu.Unlock()
		return
	}
	delete(c.typing, roomID)
	c.timerMu.Unlock()

	c.presence.StopTyping(roomID, c.manager.Credentials().UserID)

	err := c.calls.Notify(protocol.ActionTyping, protocol.Typing{RoomID: roomID, Section: section})
	if err != nil {
		c.logger.Debug("automatic typing stop not sent", "room_id", roomID, "error", err)
	}
}

// cancelTyping drops a pending automatic stop without sending it.
func (c *Client) cancelTyping(roomID string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()

	if t, ok := c.typing[roomID]; ok {
		t.timer.Stop()
		delete(c.typing, roomID)
	}
}

// SendNotification sends a targeted notification and waits for the
// server to acknowledge it.
func (c *Client) SendNotification(ctx context.Context, targetUserID, kind, message string, data json.RawMessage) error {
	if targetUserID == "" {
		return fmt.Errorf("%w: target user id is required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return err
	}
	if kind == "" {
		kind = "info"
	}

	p, err := c.call(protocol.ActionSendNotification, protocol.SendNotification{
		TargetUserID: targetUserID,
		Type:         kind,
		Message:      message,
		Data:         data,
	}, targetUserID)
	if err != nil {
		return err
	}
	if _, err := p.Wait(ctx); err != nil {
		return fmt.Errorf("notify %s: %w", targetUserID, err)
	}
	return nil
}

// RefreshRooms asks the server to push its room catalog.
func (c *Client) RefreshRooms() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.calls.Notify(protocol.ActionGetRooms, protocol.GetRooms{})
}

// UpdateItinerary broadcasts an opaque itinerary change.
func (c *Client) UpdateItinerary(itineraryID, kind string, data json.RawMessage) error {
	if itineraryID == "" {
		return fmt.Errorf("%w: itinerary id is required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return err
	}
	return c.calls.Notify(protocol.ActionItineraryUpdate, protocol.ItineraryUpdate{
		ItineraryID: itineraryID,
		Type:        kind,
		Data:        data,
	})
}

// SendCursor shares the local cursor position in an itinerary.
func (c *Client) SendCursor(itineraryID string, cursor json.RawMessage) error {
	if itineraryID == "" {
		return fmt.Errorf("%w: itinerary id is required", ErrInvalidInput)
	}
	if err := c.ready(); err != nil {
		return err
	}
	return c.calls.Notify(protocol.ActionCursorPosition, protocol.CursorPosition{
		ItineraryID: itineraryID,
		Cursor:      cursor,
	})
}

func creationKey(roomID, name string) string {
	if roomID != "" {
		return "id:" + roomID
	}
	return "name:" + name
}
