package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/convoylink/convoyd/server/domain"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	// Pool sized for the fan-out write load of many concurrent journeys
	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS journeys (
	journey_id           TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	leader_id            TEXT NOT NULL,
	status               TEXT NOT NULL,
	dest_lat             DOUBLE PRECISION,
	dest_lon             DOUBLE PRECISION,
	destination_address  TEXT NOT NULL DEFAULT '',
	lag_threshold_meters DOUBLE PRECISION NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL,
	start_time           TIMESTAMPTZ,
	end_time             TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS participants (
	journey_id        TEXT NOT NULL REFERENCES journeys(journey_id),
	user_id           TEXT NOT NULL,
	role              TEXT NOT NULL,
	status            TEXT NOT NULL,
	invited_by        TEXT NOT NULL DEFAULT '',
	joined_at         TIMESTAMPTZ,
	left_at           TIMESTAMPTZ,
	connection_status TEXT NOT NULL DEFAULT 'DISCONNECTED',
	last_seen_at      TIMESTAMPTZ,
	PRIMARY KEY (journey_id, user_id)
);
CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id);

CREATE TABLE IF NOT EXISTS location_history (
	record_id       TEXT PRIMARY KEY,
	journey_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	latitude        DOUBLE PRECISION NOT NULL,
	longitude       DOUBLE PRECISION NOT NULL,
	accuracy        DOUBLE PRECISION NOT NULL,
	heading         DOUBLE PRECISION,
	speed           DOUBLE PRECISION,
	altitude        DOUBLE PRECISION,
	ts              TIMESTAMPTZ NOT NULL,
	sequence_number BIGINT NOT NULL,
	priority        TEXT NOT NULL,
	battery_level   INT,
	is_moving       BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS location_history_seq_idx ON location_history (journey_id, sequence_number);
CREATE INDEX IF NOT EXISTS location_history_participant_idx ON location_history (journey_id, user_id, sequence_number DESC);

CREATE TABLE IF NOT EXISTS lag_alerts (
	alert_id        TEXT PRIMARY KEY,
	journey_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	distance_meters DOUBLE PRECISION NOT NULL,
	leader_lat      DOUBLE PRECISION NOT NULL,
	leader_lon      DOUBLE PRECISION NOT NULL,
	follower_lat    DOUBLE PRECISION NOT NULL,
	follower_lon    DOUBLE PRECISION NOT NULL,
	severity        TEXT NOT NULL,
	is_active       BOOLEAN NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	resolved_at     TIMESTAMPTZ,
	acknowledged_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS lag_alerts_active_idx ON lag_alerts (journey_id, user_id) WHERE is_active;
`

// InitSchema creates the tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// --- Journey Operations ---

func (s *PostgresStore) CreateJourney(ctx context.Context, j *domain.Journey) error {
	query := `
		INSERT INTO journeys (journey_id, name, leader_id, status, dest_lat, dest_lon, destination_address, lag_threshold_meters, created_at, updated_at, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	var destLat, destLon *float64
	if j.Destination != nil {
		destLat = &j.Destination.Latitude
		destLon = &j.Destination.Longitude
	}
	_, err := s.pool.Exec(ctx, query,
		j.JourneyID, j.Name, j.LeaderID, j.Status, destLat, destLon,
		j.DestinationAddress, j.LagThresholdMeters, j.CreatedAt, j.UpdatedAt, j.StartTime, j.EndTime,
	)
	return err
}

func (s *PostgresStore) GetJourney(ctx context.Context, journeyID string) (*domain.Journey, error) {
	query := `
		SELECT journey_id, name, leader_id, status, dest_lat, dest_lon, destination_address, lag_threshold_meters, created_at, updated_at, start_time, end_time
		FROM journeys WHERE journey_id = $1
	`
	var j domain.Journey
	var destLat, destLon *float64
	err := s.pool.QueryRow(ctx, query, journeyID).Scan(
		&j.JourneyID, &j.Name, &j.LeaderID, &j.Status, &destLat, &destLon,
		&j.DestinationAddress, &j.LagThresholdMeters, &j.CreatedAt, &j.UpdatedAt, &j.StartTime, &j.EndTime,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if destLat != nil && destLon != nil {
		j.Destination = &domain.Coordinates{Latitude: *destLat, Longitude: *destLon}
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJourney(ctx context.Context, j *domain.Journey) error {
	query := `
		UPDATE journeys SET name = $2, status = $3, dest_lat = $4, dest_lon = $5, destination_address = $6,
			lag_threshold_meters = $7, updated_at = $8, start_time = $9, end_time = $10
		WHERE journey_id = $1
	`
	var destLat, destLon *float64
	if j.Destination != nil {
		destLat = &j.Destination.Latitude
		destLon = &j.Destination.Longitude
	}
	tag, err := s.pool.Exec(ctx, query,
		j.JourneyID, j.Name, j.Status, destLat, destLon, j.DestinationAddress,
		j.LagThresholdMeters, j.UpdatedAt, j.StartTime, j.EndTime,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("journey not found")
	}
	return nil
}

func (s *PostgresStore) ListJourneysForUser(ctx context.Context, userID string, statuses []domain.ParticipantStatus) ([]*domain.Journey, error) {
	query := `
		SELECT j.journey_id, j.name, j.leader_id, j.status, j.dest_lat, j.dest_lon, j.destination_address, j.lag_threshold_meters, j.created_at, j.updated_at, j.start_time, j.end_time
		FROM journeys j
		JOIN participants p ON p.journey_id = j.journey_id
		WHERE p.user_id = $1 AND p.status = ANY($2)
		ORDER BY j.created_at DESC
	`
	strs := make([]string, len(statuses))
	for i, st := range statuses {
		strs[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, query, userID, strs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journeys []*domain.Journey
	for rows.Next() {
		var j domain.Journey
		var destLat, destLon *float64
		if err := rows.Scan(
			&j.JourneyID, &j.Name, &j.LeaderID, &j.Status, &destLat, &destLon,
			&j.DestinationAddress, &j.LagThresholdMeters, &j.CreatedAt, &j.UpdatedAt, &j.StartTime, &j.EndTime,
		); err != nil {
			return nil, err
		}
		if destLat != nil && destLon != nil {
			j.Destination = &domain.Coordinates{Latitude: *destLat, Longitude: *destLon}
		}
		journeys = append(journeys, &j)
	}
	return journeys, rows.Err()
}

// --- Participant Operations ---

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `
		INSERT INTO participants (journey_id, user_id, role, status, invited_by, joined_at, left_at, connection_status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (journey_id, user_id) DO UPDATE SET
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			invited_by = EXCLUDED.invited_by,
			joined_at = EXCLUDED.joined_at,
			left_at = EXCLUDED.left_at,
			connection_status = EXCLUDED.connection_status,
			last_seen_at = EXCLUDED.last_seen_at
	`
	_, err := s.pool.Exec(ctx, query,
		p.JourneyID, p.UserID, p.Role, p.Status, p.InvitedBy, p.JoinedAt, p.LeftAt, p.ConnectionStatus, p.LastSeenAt,
	)
	return err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, journeyID, userID string) (*domain.Participant, error) {
	query := `
		SELECT journey_id, user_id, role, status, invited_by, joined_at, left_at, connection_status, last_seen_at
		FROM participants WHERE journey_id = $1 AND user_id = $2
	`
	var p domain.Participant
	err := s.pool.QueryRow(ctx, query, journeyID, userID).Scan(
		&p.JourneyID, &p.UserID, &p.Role, &p.Status, &p.InvitedBy, &p.JoinedAt, &p.LeftAt, &p.ConnectionStatus, &p.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, journeyID string) ([]*domain.Participant, error) {
	query := `
		SELECT journey_id, user_id, role, status, invited_by, joined_at, left_at, connection_status, last_seen_at
		FROM participants WHERE journey_id = $1
	`
	rows, err := s.pool.Query(ctx, query, journeyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []*domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(
			&p.JourneyID, &p.UserID, &p.Role, &p.Status, &p.InvitedBy, &p.JoinedAt, &p.LeftAt, &p.ConnectionStatus, &p.LastSeenAt,
		); err != nil {
			return nil, err
		}
		participants = append(participants, &p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) UpdateParticipantConnection(ctx context.Context, journeyID, userID string, status domain.ConnectionStatus, lastSeen time.Time) error {
	query := `UPDATE participants SET connection_status = $3, last_seen_at = $4 WHERE journey_id = $1 AND user_id = $2`
	tag, err := s.pool.Exec(ctx, query, journeyID, userID, status, lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("participant not found")
	}
	return nil
}

// --- Location Operations ---

func (s *PostgresStore) InsertLocation(ctx context.Context, rec *domain.LocationRecord) error {
	query := `
		INSERT INTO location_history (record_id, journey_id, user_id, latitude, longitude, accuracy, heading, speed, altitude, ts, sequence_number, priority, battery_level, is_moving)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.RecordID, rec.JourneyID, rec.UserID, rec.Coords.Latitude, rec.Coords.Longitude,
		rec.Accuracy, rec.Heading, rec.Speed, rec.Altitude, rec.Timestamp,
		rec.SequenceNumber, rec.Priority, rec.Metadata.BatteryLevel, rec.Metadata.IsMoving,
	)
	return err
}

func scanLocation(row pgx.Row) (*domain.LocationRecord, error) {
	var rec domain.LocationRecord
	err := row.Scan(
		&rec.RecordID, &rec.JourneyID, &rec.UserID, &rec.Coords.Latitude, &rec.Coords.Longitude,
		&rec.Accuracy, &rec.Heading, &rec.Speed, &rec.Altitude, &rec.Timestamp,
		&rec.SequenceNumber, &rec.Priority, &rec.Metadata.BatteryLevel, &rec.Metadata.IsMoving,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const locationColumns = `record_id, journey_id, user_id, latitude, longitude, accuracy, heading, speed, altitude, ts, sequence_number, priority, battery_level, is_moving`

func (s *PostgresStore) GetLastLocation(ctx context.Context, journeyID, userID string) (*domain.LocationRecord, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM location_history WHERE journey_id = $1 AND user_id = $2
		ORDER BY sequence_number DESC LIMIT 1
	`
	rec, err := scanLocation(s.pool.QueryRow(ctx, query, journeyID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) ListLocationsAfter(ctx context.Context, journeyID string, afterSequence int64) ([]*domain.LocationRecord, error) {
	query := `
		SELECT ` + locationColumns + `
		FROM location_history WHERE journey_id = $1 AND sequence_number > $2
		ORDER BY sequence_number ASC
	`
	rows, err := s.pool.Query(ctx, query, journeyID, afterSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLocations(rows)
}

func (s *PostgresStore) ListLocationHistory(ctx context.Context, journeyID string, limit int) ([]*domain.LocationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + locationColumns + `
		FROM location_history WHERE journey_id = $1
		ORDER BY sequence_number DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, journeyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLocations(rows)
}

func collectLocations(rows pgx.Rows) ([]*domain.LocationRecord, error) {
	var records []*domain.LocationRecord
	for rows.Next() {
		rec, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Lag Alert Operations ---

func (s *PostgresStore) CreateLagAlert(ctx context.Context, a *domain.LagAlert) error {
	query := `
		INSERT INTO lag_alerts (alert_id, journey_id, user_id, distance_meters, leader_lat, leader_lon, follower_lat, follower_lon, severity, is_active, created_at, resolved_at, acknowledged_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(ctx, query,
		a.AlertID, a.JourneyID, a.UserID, a.DistanceMeters,
		a.LeaderCoords.Latitude, a.LeaderCoords.Longitude,
		a.FollowerCoords.Latitude, a.FollowerCoords.Longitude,
		a.Severity, a.IsActive, a.CreatedAt, a.ResolvedAt, a.AcknowledgedAt,
	)
	return err
}

func (s *PostgresStore) GetActiveLagAlert(ctx context.Context, journeyID, userID string) (*domain.LagAlert, error) {
	query := `
		SELECT alert_id, journey_id, user_id, distance_meters, leader_lat, leader_lon, follower_lat, follower_lon, severity, is_active, created_at, resolved_at, acknowledged_at
		FROM lag_alerts WHERE journey_id = $1 AND user_id = $2 AND is_active
	`
	var a domain.LagAlert
	err := s.pool.QueryRow(ctx, query, journeyID, userID).Scan(
		&a.AlertID, &a.JourneyID, &a.UserID, &a.DistanceMeters,
		&a.LeaderCoords.Latitude, &a.LeaderCoords.Longitude,
		&a.FollowerCoords.Latitude, &a.FollowerCoords.Longitude,
		&a.Severity, &a.IsActive, &a.CreatedAt, &a.ResolvedAt, &a.AcknowledgedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpdateLagAlertSeverity(ctx context.Context, alertID string, severity domain.LagSeverity) error {
	query := `UPDATE lag_alerts SET severity = $2 WHERE alert_id = $1 AND is_active`
	_, err := s.pool.Exec(ctx, query, alertID, severity)
	return err
}

func (s *PostgresStore) ResolveLagAlert(ctx context.Context, alertID string, at time.Time) error {
	query := `UPDATE lag_alerts SET is_active = FALSE, resolved_at = $2 WHERE alert_id = $1 AND is_active`
	_, err := s.pool.Exec(ctx, query, alertID, at)
	return err
}
