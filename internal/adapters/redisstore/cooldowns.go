// Package redisstore implementa el registro de cooldowns sobre Redis, para
// despliegues con varias instancias del motor compartiendo timers.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/pricebands/internal/domain"
	"github.com/alejandrodnm/pricebands/internal/ports"
	"github.com/redis/go-redis/v9"
)

// Un timer activo vive en dos sitios:
//
//	{prefix}:cooldown:{day}:{user}  valor = started_at ms, SET NX
//	{prefix}:cooldown:due           ZSET, member = "{day}|{user}", score = completes_at ms
//
// La clave NX garantiza un solo timer activo por (user, día). ZREM decide qué
// instancia completa cada timer: solo una obtiene 1.
const activeGrace = 24 * time.Hour

// Cooldowns implementa ports.CooldownRegistry.
type Cooldowns struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ ports.CooldownRegistry = (*Cooldowns)(nil)

// Options configura la conexión.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New conecta con Redis y verifica la conexión con un PING.
func New(ctx context.Context, opts Options) (*Cooldowns, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore.New: ping %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts.Prefix), nil
}

// NewWithClient usa un cliente ya creado.
func NewWithClient(client *redis.Client, prefix string) *Cooldowns {
	if prefix == "" {
		prefix = "pricebands"
	}
	return &Cooldowns{client: client, prefix: prefix, now: time.Now}
}

// Close cierra el cliente.
func (c *Cooldowns) Close() error {
	return c.client.Close()
}

func (c *Cooldowns) HasActive(ctx context.Context, userID string, day domain.TradingDay) (bool, error) {
	n, err := c.client.Exists(ctx, c.activeKey(userID, day)).Result()
	if err != nil {
		return false, persistenceErr("redisstore.HasActive", err)
	}
	return n == 1, nil
}

func (c *Cooldowns) Schedule(ctx context.Context, userID string, day domain.TradingDay, completesAt time.Time) (bool, error) {
	now := c.now()
	ttl := completesAt.Sub(now) + activeGrace
	if ttl < activeGrace {
		ttl = activeGrace
	}

	ok, err := c.client.SetNX(ctx, c.activeKey(userID, day), now.UnixMilli(), ttl).Result()
	if err != nil {
		return false, persistenceErr("redisstore.Schedule", err)
	}
	if !ok {
		return false, nil
	}

	err = c.client.ZAdd(ctx, c.dueKey(), redis.Z{
		Score:  float64(completesAt.UnixMilli()),
		Member: member(userID, day),
	}).Err()
	if err != nil {
		// Sin entrada en el ZSET el timer nunca completaría: se deshace.
		c.client.Del(ctx, c.activeKey(userID, day))
		return false, persistenceErr("redisstore.Schedule: zadd", err)
	}
	return true, nil
}

func (c *Cooldowns) CompleteDue(ctx context.Context, now time.Time) ([]domain.CooldownTimer, error) {
	due, err := c.client.ZRangeByScoreWithScores(ctx, c.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, persistenceErr("redisstore.CompleteDue", err)
	}

	var timers []domain.CooldownTimer
	for _, z := range due {
		m, _ := z.Member.(string)
		userID, day, ok := parseMember(m)
		if !ok {
			c.client.ZRem(ctx, c.dueKey(), m)
			continue
		}

		res, err := completeScript.Run(ctx, c.client, []string{c.dueKey(), c.activeKey(userID, day)}, m).Slice()
		if err != nil {
			return timers, persistenceErr("redisstore.CompleteDue: complete", err)
		}
		if len(res) != 2 {
			return timers, persistenceErr("redisstore.CompleteDue", fmt.Errorf("unexpected script reply %v", res))
		}
		if removed, _ := res[0].(int64); removed == 0 {
			continue // otra instancia lo completó
		}

		t := domain.CooldownTimer{
			UserID:      userID,
			TradingDay:  day,
			CompletesAt: time.UnixMilli(int64(z.Score)).UTC(),
			Status:      domain.CooldownCompleted,
		}
		if raw, ok := res[1].(string); ok {
			if started, err := strconv.ParseInt(raw, 10, 64); err == nil && started > 0 {
				t.StartedAt = time.UnixMilli(started).UTC()
			}
		}
		timers = append(timers, t)
	}
	return timers, nil
}

// completeScript saca el timer del ZSET y borra su clave activa en un solo
// paso. Devuelve {removed, started_at}; removed = 0 si otra instancia ganó.
var completeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 0 then
  return {0, false}
end
local started = redis.call('GET', KEYS[2])
redis.call('DEL', KEYS[2])
return {1, started}
`)

func (c *Cooldowns) activeKey(userID string, day domain.TradingDay) string {
	return fmt.Sprintf("%s:cooldown:%s:%s", c.prefix, day, userID)
}

func (c *Cooldowns) dueKey() string {
	return c.prefix + ":cooldown:due"
}

func member(userID string, day domain.TradingDay) string {
	return string(day) + "|" + userID
}

func parseMember(m string) (string, domain.TradingDay, bool) {
	day, user, ok := strings.Cut(m, "|")
	if !ok || user == "" {
		return "", "", false
	}
	return user, domain.TradingDay(day), true
}

func persistenceErr(op string, err error) error {
	return domain.E(domain.KindPersistenceFailure, op, "", err)
}
