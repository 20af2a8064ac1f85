package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/convoylink/convoyd/server/domain"
	"github.com/convoylink/convoyd/server/observability"
)

// Redis is the in-memory key/value adapter. Sequence counters, roster sets,
// hot locations, cursors, pending-delivery queues, rooms and rate counters
// all live here and are mutated through Redis atomic primitives.
type Redis struct {
	client *redis.Client

	hotLocationTTL time.Duration
	pendingTTL     time.Duration
}

// NewRedis connects and verifies the connection.
func NewRedis(addr, password string, db int, hotLocationTTL, pendingTTL time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Redis{
		client:         client,
		hotLocationTTL: hotLocationTTL,
		pendingTTL:     pendingTTL,
	}, nil
}

// NewRedisFromClient wraps an existing client (tests).
func NewRedisFromClient(client *redis.Client, hotLocationTTL, pendingTTL time.Duration) *Redis {
	return &Redis{client: client, hotLocationTTL: hotLocationTTL, pendingTTL: pendingTTL}
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// --- Sequence counter ---

// NextSequence atomically allocates the next per-journey sequence number.
func (c *Redis) NextSequence(ctx context.Context, journeyID string) (int64, error) {
	defer observe(time.Now())
	seq, err := c.client.Incr(ctx, journeyKey(journeyID, "seq")).Result()
	if err != nil {
		return 0, domain.Wrap(domain.KindUpstreamFailure, "sequence allocation failed", err)
	}
	observability.SequenceAllocated.Inc()
	return seq, nil
}

// CurrentSequence returns the counter without incrementing. Absent means 0.
func (c *Redis) CurrentSequence(ctx context.Context, journeyID string) (int64, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, journeyKey(journeyID, "seq")).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Hot locations ---

// SetLocation overwrites the hot entry for (journey, participant) with TTL.
func (c *Redis) SetLocation(ctx context.Context, rec *domain.LocationRecord) error {
	defer observe(time.Now())
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal location: %w", err)
	}
	key := participantKey(rec.JourneyID, "locations", rec.UserID)
	return c.client.Set(ctx, key, data, c.hotLocationTTL).Err()
}

// GetLocation returns the hot entry, or nil when absent/expired.
func (c *Redis) GetLocation(ctx context.Context, journeyID, participantID string) (*domain.LocationRecord, error) {
	defer observe(time.Now())
	data, err := c.client.Get(ctx, participantKey(journeyID, "locations", participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec domain.LocationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal location: %w", err)
	}
	return &rec, nil
}

// GetAllLocations returns the hot entries of every roster member that has one.
func (c *Redis) GetAllLocations(ctx context.Context, journeyID string) (map[string]*domain.LocationRecord, error) {
	members, err := c.RosterMembers(ctx, journeyID)
	if err != nil {
		return nil, err
	}
	defer observe(time.Now())

	result := make(map[string]*domain.LocationRecord)
	for _, pid := range members {
		rec, err := c.GetLocation(ctx, journeyID, pid)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			result[pid] = rec
		}
	}
	return result, nil
}

// --- Roster ---

func (c *Redis) AddRosterMember(ctx context.Context, journeyID, participantID string) error {
	defer observe(time.Now())
	return c.client.SAdd(ctx, journeyKey(journeyID, "roster"), participantID).Err()
}

func (c *Redis) RemoveRosterMember(ctx context.Context, journeyID, participantID string) error {
	defer observe(time.Now())
	return c.client.SRem(ctx, journeyKey(journeyID, "roster"), participantID).Err()
}

func (c *Redis) RosterMembers(ctx context.Context, journeyID string) ([]string, error) {
	defer observe(time.Now())
	return c.client.SMembers(ctx, journeyKey(journeyID, "roster")).Result()
}

// SeedRoster replaces the roster set wholesale. Used on journey start and by
// the reconciler when cache and store disagree.
func (c *Redis) SeedRoster(ctx context.Context, journeyID string, participantIDs []string) error {
	defer observe(time.Now())
	key := journeyKey(journeyID, "roster")
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(participantIDs) > 0 {
		members := make([]interface{}, len(participantIDs))
		for i, id := range participantIDs {
			members[i] = id
		}
		pipe.SAdd(ctx, key, members...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// --- Active journeys ---

func (c *Redis) AddActiveJourney(ctx context.Context, journeyID string) error {
	defer observe(time.Now())
	return c.client.SAdd(ctx, activeJourneysKey, journeyID).Err()
}

func (c *Redis) RemoveActiveJourney(ctx context.Context, journeyID string) error {
	defer observe(time.Now())
	return c.client.SRem(ctx, activeJourneysKey, journeyID).Err()
}

func (c *Redis) ActiveJourneys(ctx context.Context) ([]string, error) {
	defer observe(time.Now())
	return c.client.SMembers(ctx, activeJourneysKey).Result()
}

// --- Cursors ---

// cursorAdvanceScript sets the cursor to the ack value only if it advances it.
// Returns the resulting cursor.
const cursorAdvanceScript = `
	local cur = tonumber(redis.call("get", KEYS[1]) or "0")
	local ack = tonumber(ARGV[1])
	if ack > cur then
		redis.call("set", KEYS[1], ack)
		return ack
	end
	return cur
`

// AdvanceCursor applies an ack, keeping the cursor monotone non-decreasing.
func (c *Redis) AdvanceCursor(ctx context.Context, journeyID, participantID string, sequence int64) (int64, error) {
	defer observe(time.Now())
	key := participantKey(journeyID, "cursor", participantID)
	res, err := c.client.Eval(ctx, cursorAdvanceScript, []string{key}, sequence).Result()
	if err != nil {
		return 0, err
	}
	cur, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected return type from cursor script")
	}
	return cur, nil
}

// GetCursor returns the last acknowledged sequence. Absent means 0.
func (c *Redis) GetCursor(ctx context.Context, journeyID, participantID string) (int64, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, participantKey(journeyID, "cursor", participantID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// --- Pending delivery queues ---

// AppendPending pushes an envelope onto the participant's FIFO and refreshes
// the queue TTL.
func (c *Redis) AppendPending(ctx context.Context, journeyID, participantID string, env *domain.DeliveryEnvelope) error {
	defer observe(time.Now())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	key := participantKey(journeyID, "pending", participantID)
	pipe := c.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, c.pendingTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// ListPending returns the queue contents oldest-first.
func (c *Redis) ListPending(ctx context.Context, journeyID, participantID string) ([]*domain.DeliveryEnvelope, error) {
	defer observe(time.Now())
	vals, err := c.client.LRange(ctx, participantKey(journeyID, "pending", participantID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	envelopes := make([]*domain.DeliveryEnvelope, 0, len(vals))
	for _, v := range vals {
		var env domain.DeliveryEnvelope
		if err := json.Unmarshal([]byte(v), &env); err != nil {
			continue
		}
		envelopes = append(envelopes, &env)
	}
	return envelopes, nil
}

// DrainPendingUpTo pops envelopes from the head while their sequence is at or
// below ackedSequence. Envelopes are appended in ascending sequence order, so
// popping stops at the first one still unacknowledged.
func (c *Redis) DrainPendingUpTo(ctx context.Context, journeyID, participantID string, ackedSequence int64) (int, error) {
	defer observe(time.Now())
	key := participantKey(journeyID, "pending", participantID)
	drained := 0
	for {
		head, err := c.client.LIndex(ctx, key, 0).Result()
		if errors.Is(err, redis.Nil) {
			return drained, nil
		}
		if err != nil {
			return drained, err
		}
		var env domain.DeliveryEnvelope
		if err := json.Unmarshal([]byte(head), &env); err != nil {
			// Unparseable head blocks the queue; discard it.
			c.client.LPop(ctx, key)
			continue
		}
		if env.Sequence > ackedSequence {
			return drained, nil
		}
		if err := c.client.LPop(ctx, key).Err(); err != nil {
			return drained, err
		}
		drained++
	}
}

// ReplacePending rewrites the queue wholesale. The retry loop uses this after
// updating attempt counters or dropping exhausted envelopes.
func (c *Redis) ReplacePending(ctx context.Context, journeyID, participantID string, envelopes []*domain.DeliveryEnvelope) error {
	defer observe(time.Now())
	key := participantKey(journeyID, "pending", participantID)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(envelopes) > 0 {
		vals := make([]interface{}, 0, len(envelopes))
		for _, env := range envelopes {
			data, err := json.Marshal(env)
			if err != nil {
				return fmt.Errorf("failed to marshal envelope: %w", err)
			}
			vals = append(vals, data)
		}
		pipe.RPush(ctx, key, vals...)
		pipe.Expire(ctx, key, c.pendingTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// --- Rooms and connections ---

func (c *Redis) AddRoomConn(ctx context.Context, journeyID, connID string) error {
	defer observe(time.Now())
	return c.client.SAdd(ctx, roomKey(journeyID), connID).Err()
}

func (c *Redis) RemoveRoomConn(ctx context.Context, journeyID, connID string) error {
	defer observe(time.Now())
	return c.client.SRem(ctx, roomKey(journeyID), connID).Err()
}

func (c *Redis) RoomConns(ctx context.Context, journeyID string) ([]string, error) {
	defer observe(time.Now())
	return c.client.SMembers(ctx, roomKey(journeyID)).Result()
}

func (c *Redis) SetConnUser(ctx context.Context, connID, userID string) error {
	defer observe(time.Now())
	return c.client.Set(ctx, connKey(connID), userID, 24*time.Hour).Err()
}

func (c *Redis) GetConnUser(ctx context.Context, connID string) (string, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (c *Redis) DeleteConnUser(ctx context.Context, connID string) error {
	defer observe(time.Now())
	return c.client.Del(ctx, connKey(connID)).Err()
}

// --- Rate limiting ---

// IncrRate bumps the caller's write counter for the current minute window and
// returns the new count. The key expires with the window.
func (c *Redis) IncrRate(ctx context.Context, userID string, now time.Time) (int64, error) {
	defer observe(time.Now())
	key := rateKey(userID, now.Unix()/60)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// --- Lag alert guard ---

// AcquireAlertGuard serializes query-then-create for one (journey, participant).
// SET NX with a short TTL; a crashed holder self-heals via expiry.
func (c *Redis) AcquireAlertGuard(ctx context.Context, journeyID, participantID string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())
	key := participantKey(journeyID, "alertguard", participantID)
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

func (c *Redis) ReleaseAlertGuard(ctx context.Context, journeyID, participantID string) error {
	defer observe(time.Now())
	return c.client.Del(ctx, participantKey(journeyID, "alertguard", participantID)).Err()
}

// --- Generic key-value (idempotency backend) ---

func (c *Redis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	defer observe(time.Now())
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *Redis) Get(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil // Not found
	}
	return val, err
}
