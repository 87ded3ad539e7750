package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string `gorm:"size:128;not null"`
	PasswordHash string `gorm:"not null"`
	IsOnline     bool   `gorm:"not null;default:false"`
	ShowOnline   bool   `gorm:"not null;default:true"`
	PushToken    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Name 返回展示名，未设置时退回用户名。
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

const (
	ContactPending  = "pending"
	ContactAccepted = "accepted"
)

// Contact 是有方向的联系人关系，UserID -> ContactID。
type Contact struct {
	UserID      uint   `gorm:"primaryKey"`
	ContactID   uint   `gorm:"primaryKey;index"`
	Status      string `gorm:"size:16;not null"`
	RequestedBy uint   `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const (
	KindDirect = "direct"
	KindGroup  = "group"
)

type Conversation struct {
	ID            uint    `gorm:"primaryKey"`
	Kind          string  `gorm:"size:16;not null;index"`
	Name          *string `gorm:"size:128"`
	PairKey       *string `gorm:"uniqueIndex;size:64"`
	CreatedBy     uint    `gorm:"not null"`
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Participants []Participant `gorm:"constraint:OnDelete:CASCADE"`
	Messages     []Message     `gorm:"constraint:OnDelete:CASCADE"`
}

func (c Conversation) IsGroup() bool { return c.Kind == KindGroup }

// Participant 的 DeletedAt 只表示该用户在自己视图中隐藏了会话。
type Participant struct {
	ConversationID uint `gorm:"primaryKey"`
	UserID         uint `gorm:"primaryKey;index"`
	IsAdmin        bool `gorm:"not null;default:false"`
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

type Message struct {
	ID             uint    `gorm:"primaryKey"`
	ConversationID uint    `gorm:"index:idx_msg_conversation;not null"`
	SenderID       uint    `gorm:"index;not null"`
	Content        *string `gorm:"type:text"`
	MediaRef       *string `gorm:"size:1024"`
	ReplyToID      *uint
	CreatedAt      time.Time

	Seen      []MessageSeen `gorm:"constraint:OnDelete:CASCADE"`
	Reactions []Reaction    `gorm:"constraint:OnDelete:CASCADE"`
}

// MessageSeen 是 seenBy 集合的一行，主键保证集合语义。
type MessageSeen struct {
	MessageID uint `gorm:"primaryKey"`
	UserID    uint `gorm:"primaryKey;index"`
	SeenAt    time.Time
}

func (MessageSeen) TableName() string { return "message_seen" }

type Reaction struct {
	MessageID uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"primaryKey"`
	Emoji     string `gorm:"size:32;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Notification struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	IsRead    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
