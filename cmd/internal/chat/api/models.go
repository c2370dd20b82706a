package chatapi

import (
	"time"

	v1 "github.com/ben1maru/tutors-finders-server/shared/contracts/chat/v1"
)

type findOrCreateRequest struct {
	User2ID int64 `json:"user2_id" validate:"required,gt=0"`
}

type startChatRequest struct {
	TutorID int64 `json:"tutorId" validate:"required,gt=0"`
}

type conversationResponse struct {
	ConversationID int64 `json:"conversationId"`
}

type conversationSummaryResponse struct {
	ConversationID  int64      `json:"conversation_id"`
	PartnerID       int64      `json:"partner_id"`
	PartnerName     string     `json:"partner_name"`
	LastMessage     *string    `json:"last_message"`
	LastMessageDate *time.Time `json:"last_message_date"`
}

type messagesResponse struct {
	Messages []v1.Message `json:"messages"`
	HasMore  bool         `json:"has_more"`
	// NextAfterID is the after_id of the next page; nil when there is none.
	NextAfterID *int64 `json:"next_after_id"`
}
