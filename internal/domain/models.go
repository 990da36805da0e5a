// Package domain defines the persistence models for consultation
// conversations and their messages. These types are mapped with GORM and
// form the core data layer of the consultation chat backend.
package domain

import (
	"time"
)

// Participant roles. Every conversation has exactly one participant of each
// role; every message is authored by one of them.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Conversation statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// ValidRole reports whether s is one of the two participant roles.
func ValidRole(s string) bool { return s == RoleDoctor || s == RolePatient }

// Conversation is the persistent chat channel bound 1:1 to one scheduled
// appointment between a doctor and a patient. Conversations are created
// lazily on first open and never deleted; they may only be closed.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - AppointmentID: identity of the originating appointment; unique, so at
//     most one conversation can ever exist per appointment.
//   - DoctorID / PatientID: the two participants, indexed for listing.
//   - ScheduledAt: the appointment instant; the write window is derived from
//     it on every check, never stored.
//   - Status: "active" or "closed" (enforced by DB constraint).
//   - LastMessageAt: timestamp of the newest message, used to order lists.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Conversation struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	AppointmentID string    `json:"appointment_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_conv_appointment"`
	DoctorID      string    `json:"doctor_id"      gorm:"type:varchar(64);not null;index:idx_conv_doctor"`
	PatientID     string    `json:"patient_id"     gorm:"type:varchar(64);not null;index:idx_conv_patient"`
	ScheduledAt   time.Time `json:"scheduled_at"   gorm:"not null"`
	Status        string    `json:"status"         gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','closed')"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Messages is the ordered log owned by this conversation.
	Messages []Message `json:"messages,omitempty" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Closed reports whether the conversation no longer accepts writes at all.
func (c *Conversation) Closed() bool { return c.Status == StatusClosed }

// Message is a single utterance within a conversation. Messages are totally
// ordered by creation timestamp (ties broken by ID) and, once persisted,
// immutable except for the read flag.
//
// Fields:
//   - ID: UUID primary key (char(36)); assigned by the server, never by the
//     client.
//   - ConversationID: foreign key to the owning conversation (indexed).
//   - SenderID: participant that authored the message.
//   - SenderRole: "doctor" or "patient" (enforced by DB constraint).
//   - Content: full text content, non-empty after trimming.
//   - IsRead: set once the peer has fetched the message.
//   - CreatedAt: server-assigned timestamp; part of the log ordering index.
type Message struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string    `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	SenderID       string    `json:"sender_id"       gorm:"type:varchar(64);not null"`
	SenderRole     string    `json:"sender_role"     gorm:"type:varchar(16);not null;check:sender_role IN ('doctor','patient')"`
	Content        string    `json:"content"         gorm:"type:text;not null"`
	IsRead         bool      `json:"is_read"         gorm:"not null;default:false"`
	CreatedAt      time.Time `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`

	// Conversation is the parent channel. Messages are cascade-deleted
	// if their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }
