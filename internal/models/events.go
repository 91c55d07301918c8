package models

// Events pushed to connected users.
const (
	EventNewBooking      = "newBooking"
	EventBookingUpdated  = "bookingUpdated"
	EventBalanceUpdated  = "balanceUpdated"
	EventPayoutCompleted = "payoutCompleted"
	EventPayoutFailed    = "payoutFailed"
	EventNewMessage      = "newMessage"
	EventMessageRead     = "messageRead"
	EventTypingStart     = "typingStart"
	EventTypingEnd       = "typingEnd"
)
