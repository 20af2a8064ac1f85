package domain

import (
	"time"
)

// JourneyStatus is the lifecycle state of a journey.
type JourneyStatus string

const (
	JourneyPending   JourneyStatus = "PENDING"
	JourneyActive    JourneyStatus = "ACTIVE"
	JourneyCompleted JourneyStatus = "COMPLETED"
	JourneyCancelled JourneyStatus = "CANCELLED"
)

// ParticipantRole is the role of a participant inside a journey.
type ParticipantRole string

const (
	RoleLeader   ParticipantRole = "LEADER"
	RoleFollower ParticipantRole = "FOLLOWER"
)

// ParticipantStatus is the membership state of a participant.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "INVITED"
	ParticipantAccepted ParticipantStatus = "ACCEPTED"
	ParticipantDeclined ParticipantStatus = "DECLINED"
	ParticipantActive   ParticipantStatus = "ACTIVE"
	ParticipantArrived  ParticipantStatus = "ARRIVED"
	ParticipantLeft     ParticipantStatus = "LEFT"
)

// ConnectionStatus tracks the realtime session state of a participant.
type ConnectionStatus string

const (
	ConnConnected    ConnectionStatus = "CONNECTED"
	ConnDisconnected ConnectionStatus = "DISCONNECTED"
	ConnReconnecting ConnectionStatus = "RECONNECTING"
)

// Priority classifies a location update for throttling and delivery guarantees.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// LagSeverity classifies how far a follower has fallen behind the leader.
type LagSeverity string

const (
	SeverityWarning  LagSeverity = "WARNING"
	SeverityCritical LagSeverity = "CRITICAL"
)

// Coordinates is a WGS84 point.
type Coordinates struct {
	Latitude  float64 `json:"latitude" db:"latitude"`
	Longitude float64 `json:"longitude" db:"longitude"`
}

// Valid reports whether the point lies on the coordinate plane.
func (c Coordinates) Valid() bool {
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Journey is a coordinated trip owned by one leader.
type Journey struct {
	JourneyID          string        `json:"journey_id" db:"journey_id"`
	Name               string        `json:"name" db:"name"`
	LeaderID           string        `json:"leader_id" db:"leader_id"`
	Status             JourneyStatus `json:"status" db:"status"`
	Destination        *Coordinates  `json:"destination,omitempty" db:"destination"`
	DestinationAddress string        `json:"destination_address,omitempty" db:"destination_address"`
	LagThresholdMeters float64       `json:"lag_threshold_meters" db:"lag_threshold_meters"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
	StartTime          *time.Time    `json:"start_time,omitempty" db:"start_time"`
	EndTime            *time.Time    `json:"end_time,omitempty" db:"end_time"`
}

// JourneyPatch carries the mutable journey fields for update().
// Nil fields are left untouched.
type JourneyPatch struct {
	Name               *string      `json:"name,omitempty"`
	Destination        *Coordinates `json:"destination,omitempty"`
	DestinationAddress *string      `json:"destination_address,omitempty"`
	LagThresholdMeters *float64     `json:"lag_threshold_meters,omitempty"`
}

// Participant is a user's membership in a specific journey.
type Participant struct {
	JourneyID        string            `json:"journey_id" db:"journey_id"`
	UserID           string            `json:"user_id" db:"user_id"`
	Role             ParticipantRole   `json:"role" db:"role"`
	Status           ParticipantStatus `json:"status" db:"status"`
	InvitedBy        string            `json:"invited_by,omitempty" db:"invited_by"`
	JoinedAt         *time.Time        `json:"joined_at,omitempty" db:"joined_at"`
	LeftAt           *time.Time        `json:"left_at,omitempty" db:"left_at"`
	ConnectionStatus ConnectionStatus  `json:"connection_status" db:"connection_status"`
	LastSeenAt       *time.Time        `json:"last_seen_at,omitempty" db:"last_seen_at"`
}

// Subscribing reports whether the participant currently receives broadcasts.
func (p *Participant) Subscribing() bool {
	return p.Status == ParticipantActive || p.Status == ParticipantAccepted || p.Status == ParticipantArrived
}

// LocationMetadata is client-reported device context attached to an update.
type LocationMetadata struct {
	BatteryLevel *int `json:"battery_level,omitempty" db:"battery_level"` // 0-100
	IsMoving     bool `json:"is_moving" db:"is_moving"`
	StatusChange bool `json:"status_change,omitempty" db:"-"`
}

// LocationUpdate is the inbound payload for one GPS report.
type LocationUpdate struct {
	JourneyID string           `json:"journey_id"`
	Coords    Coordinates      `json:"coords"`
	Accuracy  float64          `json:"accuracy"`
	Heading   *float64         `json:"heading,omitempty"` // 0-360
	Speed     *float64         `json:"speed,omitempty"`   // m/s
	Altitude  *float64         `json:"altitude,omitempty"`
	Metadata  LocationMetadata `json:"metadata"`
}

// Validate checks payload ranges before the update enters the pipeline.
func (u *LocationUpdate) Validate() error {
	if u.JourneyID == "" {
		return E(KindInvalidInput, "journey_id is required")
	}
	if !u.Coords.Valid() {
		return E(KindInvalidInput, "coordinates out of range")
	}
	if u.Accuracy < 0 {
		return E(KindInvalidInput, "accuracy must be non-negative")
	}
	if u.Heading != nil && (*u.Heading < 0 || *u.Heading > 360) {
		return E(KindInvalidInput, "heading must be within 0-360")
	}
	if u.Speed != nil && *u.Speed < 0 {
		return E(KindInvalidInput, "speed must be non-negative")
	}
	if u.Metadata.BatteryLevel != nil && (*u.Metadata.BatteryLevel < 0 || *u.Metadata.BatteryLevel > 100) {
		return E(KindInvalidInput, "battery_level must be within 0-100")
	}
	return nil
}

// LocationRecord is one persisted location sample. Immutable once written.
type LocationRecord struct {
	RecordID       string           `json:"record_id" db:"record_id"`
	JourneyID      string           `json:"journey_id" db:"journey_id"`
	UserID         string           `json:"user_id" db:"user_id"`
	Coords         Coordinates      `json:"coords" db:"coords"`
	Accuracy       float64          `json:"accuracy" db:"accuracy"`
	Heading        *float64         `json:"heading,omitempty" db:"heading"`
	Speed          *float64         `json:"speed,omitempty" db:"speed"`
	Altitude       *float64         `json:"altitude,omitempty" db:"altitude"`
	Timestamp      time.Time        `json:"timestamp" db:"timestamp"` // server-assigned
	SequenceNumber int64            `json:"sequence_number" db:"sequence_number"`
	Priority       Priority         `json:"priority" db:"priority"`
	Metadata       LocationMetadata `json:"metadata" db:"metadata"`
}

// LagAlert records a follower exceeding the journey lag threshold.
type LagAlert struct {
	AlertID        string      `json:"alert_id" db:"alert_id"`
	JourneyID      string      `json:"journey_id" db:"journey_id"`
	UserID         string      `json:"user_id" db:"user_id"`
	DistanceMeters float64     `json:"distance_meters" db:"distance_meters"`
	LeaderCoords   Coordinates `json:"leader_coords" db:"leader_coords"`
	FollowerCoords Coordinates `json:"follower_coords" db:"follower_coords"`
	Severity       LagSeverity `json:"severity" db:"severity"`
	IsActive       bool        `json:"is_active" db:"is_active"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty" db:"resolved_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
}

// DeliveryEnvelope is a HIGH-priority update awaiting acknowledgement.
type DeliveryEnvelope struct {
	Sequence       int64           `json:"sequence"`
	Payload        *LocationRecord `json:"payload"`
	Attempt        int             `json:"attempt"`
	FirstAttemptAt time.Time       `json:"first_attempt_at"`
	LastAttemptAt  time.Time       `json:"last_attempt_at"`
}
