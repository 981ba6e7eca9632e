package registry

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cyberinferno/raptor/connid"
	"github.com/cyberinferno/raptor/logger"
)

// redisOpTimeout bounds each registry write so a slow Redis cannot stall the
// dispatch goroutine indefinitely.
const redisOpTimeout = 2 * time.Second

// Redis is a Registry that mirrors this instance's sessions into a Redis
// hash, one field per connection. Instances in a fleet use distinct
// instance IDs so a router can find which gateway holds a session.
type Redis struct {
	client *redis.Client
	key    string
	log    logger.Logger
}

// NewRedis creates a Redis-backed registry.
//
// Parameters:
//   - client: Connected Redis client; the registry does not own it
//   - instanceID: Unique name of this server instance, used in the hash key
//   - log: Logger for registry write failures
//
// Returns:
//   - A new *Redis
func NewRedis(client *redis.Client, instanceID string, log logger.Logger) *Redis {
	if log == nil {
		log = logger.Nop()
	}
	return &Redis{
		client: client,
		key:    "raptor:sessions:" + instanceID,
		log:    log,
	}
}

// ConnectionUp implements Registry.
func (r *Redis) ConnectionUp(cid connid.ConnectionId, addr *net.TCPAddr) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	remote := ""
	if addr != nil {
		remote = addr.String()
	}

	if err := r.client.HSet(ctx, r.key, field(cid), remote).Err(); err != nil {
		r.log.Warn("session registration failed",
			logger.Field{Key: "cid", Value: uint64(cid)},
			logger.Field{Key: "error", Value: err})
	}
}

// ConnectionDown implements Registry.
func (r *Redis) ConnectionDown(cid connid.ConnectionId) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.HDel(ctx, r.key, field(cid)).Err(); err != nil {
		r.log.Warn("session deregistration failed",
			logger.Field{Key: "cid", Value: uint64(cid)},
			logger.Field{Key: "error", Value: err})
	}
}

// Sessions lists the remote addresses currently registered, keyed by handle.
//
// Parameters:
//   - ctx: Controls the Redis read
//
// Returns:
//   - A map from handle to remote address, or an error
func (r *Redis) Sessions(ctx context.Context) (map[connid.ConnectionId]string, error) {
	raw, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[connid.ConnectionId]string, len(raw))
	for k, v := range raw {
		id, err := strconv.ParseUint(k, 10, 64)
		if err != nil {
			continue
		}
		out[connid.ConnectionId(id)] = v
	}
	return out, nil
}

func field(cid connid.ConnectionId) string {
	return strconv.FormatUint(uint64(cid), 10)
}
