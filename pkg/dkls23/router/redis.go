package router

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gomodule/redigo/redis"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

// RedisConfig configures a Redis mailbox router.
type RedisConfig struct {
	// Address is the host:port of the Redis server.
	Address string
	// Prefix namespaces the mailbox keys. Defaults to "dkls23".
	Prefix string
	// TTL bounds how long an undelivered mailbox survives. Defaults to one
	// hour.
	TTL time.Duration
	// PollSeconds is the BLPOP timeout between context checks. Defaults to 1.
	PollSeconds int
	MaxIdle     int
}

// Redis routes fragments through one Redis list per session and party.
// RPUSH and BLPOP keep per-sender order.
type Redis struct {
	pool *redis.Pool
	cfg  RedisConfig
}

// NewPool returns a connection pool for address.
func NewPool(address string, maxIdle int) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     maxIdle,
		IdleTimeout: 5 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", address)
		},
	}
}

// NewRedis connects a router to cfg.Address.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("router: redis address required")
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = 16
	}
	return NewRedisWithPool(NewPool(cfg.Address, cfg.MaxIdle), cfg), nil
}

// NewRedisWithPool uses an existing pool. The router owns the pool from then
// on.
func NewRedisWithPool(pool *redis.Pool, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "dkls23"
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.PollSeconds <= 0 {
		cfg.PollSeconds = 1
	}
	return &Redis{pool: pool, cfg: cfg}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("router: redis connection: %w", err)
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// Close releases the pool.
func (r *Redis) Close() error { return r.pool.Close() }

func (r *Redis) key(sid dkls23.SessionID, party dkls23.PartyIndex) string {
	return r.cfg.Prefix + ":mbox:" + hex.EncodeToString(sid) + ":" + strconv.Itoa(int(party))
}

// Endpoint attaches party self of session sid.
func (r *Redis) Endpoint(sid dkls23.SessionID, self dkls23.PartyIndex) Endpoint {
	return &redisEndpoint{r: r, sid: sid.Clone(), self: self}
}

type redisEndpoint struct {
	r    *Redis
	sid  dkls23.SessionID
	self dkls23.PartyIndex
}

func (e *redisEndpoint) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.From != e.self || !msg.SessionID.Equal(e.sid) {
		return fmt.Errorf("router: message %d -> %d does not belong to this endpoint", msg.From, msg.To)
	}
	raw, err := msg.encode()
	if err != nil {
		return err
	}
	conn, err := e.r.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("router: redis connection: %w", err)
	}
	defer conn.Close()

	key := e.r.key(msg.SessionID, msg.To)
	if err := conn.Send("RPUSH", key, raw); err != nil {
		return fmt.Errorf("router: rpush: %w", err)
	}
	if err := conn.Send("EXPIRE", key, int(e.r.cfg.TTL/time.Second)); err != nil {
		return fmt.Errorf("router: expire: %w", err)
	}
	if _, err := redis.DoContext(conn, ctx, ""); err != nil {
		return fmt.Errorf("router: deliver to %d: %w", msg.To, err)
	}
	return nil
}

func (e *redisEndpoint) Receive(ctx context.Context) (Message, error) {
	key := e.r.key(e.sid, e.self)
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		msg, ok, err := e.pop(ctx, key)
		if err != nil {
			return Message{}, err
		}
		if ok {
			return msg, nil
		}
	}
}

// pop waits at most one poll interval for a message.
func (e *redisEndpoint) pop(ctx context.Context, key string) (Message, bool, error) {
	conn, err := e.r.pool.GetContext(ctx)
	if err != nil {
		return Message{}, false, fmt.Errorf("router: redis connection: %w", err)
	}
	defer conn.Close()

	reply, err := redis.ByteSlices(redis.DoContext(conn, ctx, "BLPOP", key, e.r.cfg.PollSeconds))
	if errors.Is(err, redis.ErrNil) {
		return Message{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, false, ctx.Err()
		}
		return Message{}, false, fmt.Errorf("router: blpop: %w", err)
	}
	if len(reply) != 2 {
		return Message{}, false, fmt.Errorf("router: blpop returned %d values", len(reply))
	}
	msg, err := decodeMessage(reply[1])
	if err != nil {
		return Message{}, false, err
	}
	return msg, true, nil
}

var _ Endpoint = (*redisEndpoint)(nil)
