package chatapi

import (
	"github.com/ben1maru/tutors-finders-server/cmd/internal/chat"
	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"
)

func toWireMessage(m chat.Message) v1.Message {
	return v1.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Text:           m.Text,
		CreatedAt:      m.CreatedAt,
	}
}

func toMessagesResponse(page chat.MessagePage) messagesResponse {
	out := messagesResponse{
		Messages: make([]v1.Message, 0, len(page.Messages)),
		HasMore:  page.HasMore,
	}
	for _, m := range page.Messages {
		out.Messages = append(out.Messages, toWireMessage(m))
	}
	if page.HasMore && len(page.Messages) > 0 {
		last := page.Messages[len(page.Messages)-1].ID
		out.NextAfterID = &last
	}
	return out
}

func toSummaryResponses(in []chat.ConversationSummary, names map[int64]string) []conversationSummaryResponse {
	out := make([]conversationSummaryResponse, 0, len(in))
	for _, s := range in {
		out = append(out, conversationSummaryResponse{
			ConversationID:  s.ConversationID,
			PartnerID:       s.PartnerID,
			PartnerName:     names[s.PartnerID],
			LastMessage:     s.LastMessage,
			LastMessageDate: s.LastMessageDate,
		})
	}
	return out
}
