package collab

import (
	"github.com/rickgao/tripsync/internal/presence"
	"github.com/rickgao/tripsync/internal/protocol"
	"github.com/rickgao/tripsync/internal/rooms"
)

func toMessage(m protocol.ChatMessage, roomID string) rooms.Message {
	if m.RoomID != "" {
		roomID = m.RoomID
	}
	return rooms.Message{
		ID:        m.ID,
		RoomID:    roomID,
		UserID:    m.UserID,
		UserName:  m.UserName,
		Text:      m.Message,
		Type:      m.MessageType,
		Timestamp: m.Timestamp.Time,
	}
}

func toMembers(list []protocol.Member) []rooms.Member {
	out := make([]rooms.Member, 0, len(list))
	for _, m := range list {
		out = append(out, rooms.Member{UserID: m.UserID, UserName: m.UserName})
	}
	return out
}

func toCollaborators(list []protocol.Member) []presence.Collaborator {
	out := make([]presence.Collaborator, 0, len(list))
	for _, m := range list {
		status := presence.StatusOnline
		if m.Status == string(presence.StatusOffline) {
			status = presence.StatusOffline
		}
		out = append(out, presence.Collaborator{UserID: m.UserID, UserName: m.UserName, Status: status})
	}
	return out
}

func toSignals(list []protocol.Member) []presence.TypingSignal {
	out := make([]presence.TypingSignal, 0, len(list))
	for _, m := range list {
		out = append(out, presence.TypingSignal{UserID: m.UserID, UserName: m.UserName})
	}
	return out
}

func toSummaries(list []protocol.RoomSummary) []rooms.Summary {
	out := make([]rooms.Summary, 0, len(list))
	for _, r := range list {
		out = append(out, rooms.Summary{
			ID:          r.RoomID,
			Name:        r.RoomName,
			MemberCount: r.MemberCount,
			CreatedAt:   r.CreatedAt.Time,
		})
	}
	return out
}
