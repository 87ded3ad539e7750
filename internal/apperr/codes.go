package apperr

var (
	ErrStorage        = New(KindStorage, "StorageError", "storage unavailable")
	ErrStorageTimeout = New(KindStorageTimeout, "StorageTimeout", "storage operation timed out")

	ErrEmptyMessage = &Error{
		Kind:    KindValidation,
		Code:    "ValidationError",
		Message: "message needs content or media",
		Fields:  map[string]string{"content": "content or mediaRef is required"},
	}

	ErrRecipientNotFound    = New(KindNotFound, "RecipientNotFound", "recipient not found")
	ErrUserNotFound         = New(KindNotFound, "UserNotFound", "user not found")
	ErrConversationNotFound = New(KindNotFound, "ConversationNotFound", "conversation not found")
	ErrGroupNotFound        = New(KindNotFound, "GroupNotFound", "group not found")
	ErrMessageNotFound      = New(KindNotFound, "MessageNotFound", "message not found")
	ErrNotificationNotFound = New(KindNotFound, "NotificationNotFound", "notification not found")
	ErrRequestNotFound      = New(KindNotFound, "ContactRequestNotFound", "contact request not found")
	ErrContactNotFound      = New(KindNotFound, "ContactNotFound", "contact not found")

	ErrNotAContact     = New(KindAuthorization, "NotAContact", "recipient is not an accepted contact")
	ErrNotParticipant  = New(KindAuthorization, "NotParticipant", "not a participant of this conversation")
	ErrNotAdmin        = New(KindAuthorization, "NotAdmin", "group admin required")
	ErrSelfContact     = New(KindValidation, "SelfContact", "cannot add yourself as a contact")
	ErrDuplicate       = New(KindConflict, "DuplicateRequest", "contact request already exists")
	ErrAlreadyAnswered = New(KindConflict, "AlreadyResponded", "contact request already responded")
	ErrUsernameTaken   = New(KindConflict, "UsernameTaken", "username taken")

	ErrRateLimited = New(KindRateLimit, "RateLimited", "too many messages, retry later")

	ErrInvalidCredentials = New(KindAuthentication, "InvalidCredentials", "invalid credentials")
	ErrAuthentication     = New(KindAuthentication, "AuthenticationError", "invalid or expired token")
)
