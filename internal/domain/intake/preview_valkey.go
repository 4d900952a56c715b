package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"
)

const defaultValkeyPrefix = "intake:preview:"

// consumeScript atomically takes a session and leaves a tombstone for the
// rest of its lifetime. Replies {1, value}, {2} when already consumed, or
// {0} when missing.
var consumeScript = valkey.NewLuaScript(`
local v = redis.call('GET', KEYS[1])
if v then
  local ttl = redis.call('PTTL', KEYS[1])
  redis.call('DEL', KEYS[1])
  if ttl and ttl > 0 then
    redis.call('SET', KEYS[2], '1', 'PX', ttl)
  else
    redis.call('SET', KEYS[2], '1', 'EX', ARGV[1])
  end
  return {1, v}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
  return {2}
end
return {0}
`)

// ValkeyPreviewStore keeps sessions in Valkey so several server instances
// can share them.
type ValkeyPreviewStore struct {
	client valkey.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewValkeyPreviewStore creates a store on an existing client.
func NewValkeyPreviewStore(client valkey.Client, ttl time.Duration) *ValkeyPreviewStore {
	return &ValkeyPreviewStore{
		client: client,
		ttl:    ttl,
		prefix: defaultValkeyPrefix,
		now:    time.Now,
	}
}

// NewValkeyClient connects to the server described by a redis:// or
// valkey:// URL.
func NewValkeyClient(url string) (valkey.Client, error) {
	opt, err := valkey.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse valkey url: %w", err)
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, fmt.Errorf("connect valkey: %w", err)
	}
	return client, nil
}

func (s *ValkeyPreviewStore) key(id string) string  { return s.prefix + id }
func (s *ValkeyPreviewStore) tomb(id string) string { return s.prefix + id + ":consumed" }

func (s *ValkeyPreviewStore) ttlSeconds() int64 {
	secs := int64(s.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *ValkeyPreviewStore) Create(ctx context.Context, sess *PreviewSession) error {
	if sess.ID == "" {
		return fmt.Errorf("create preview session: empty id")
	}
	sess.CreatedAt = s.now().UTC()
	sess.ExpiresAt = sess.CreatedAt.Add(s.ttl)

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode preview session: %w", err)
	}
	cmd := s.client.B().Set().Key(s.key(sess.ID)).Value(string(data)).Nx().ExSeconds(s.ttlSeconds()).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return fmt.Errorf("create preview session %s: duplicate id", sess.ID)
		}
		return fmt.Errorf("store preview session: %w", err)
	}
	return nil
}

func (s *ValkeyPreviewStore) Get(ctx context.Context, id string) (*PreviewSession, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(id)).Build()).AsBytes()
	if err != nil {
		if !valkey.IsValkeyNil(err) {
			return nil, fmt.Errorf("load preview session: %w", err)
		}
		n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.tomb(id)).Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("load preview session: %w", err)
		}
		if n > 0 {
			return nil, ErrSessionConsumed
		}
		return nil, ErrSessionNotFound
	}
	return decodeSession(data)
}

func (s *ValkeyPreviewStore) Consume(ctx context.Context, id string) (*PreviewSession, error) {
	reply, err := consumeScript.Exec(ctx, s.client,
		[]string{s.key(id), s.tomb(id)},
		[]string{strconv.FormatInt(s.ttlSeconds(), 10)},
	).ToArray()
	if err != nil {
		return nil, fmt.Errorf("consume preview session: %w", err)
	}
	if len(reply) == 0 {
		return nil, fmt.Errorf("consume preview session: empty reply")
	}
	code, err := reply[0].AsInt64()
	if err != nil {
		return nil, fmt.Errorf("consume preview session: %w", err)
	}
	switch code {
	case 1:
		if len(reply) < 2 {
			return nil, fmt.Errorf("consume preview session: missing value")
		}
		data, err := reply[1].ToString()
		if err != nil {
			return nil, fmt.Errorf("consume preview session: %w", err)
		}
		return decodeSession([]byte(data))
	case 2:
		return nil, ErrSessionConsumed
	default:
		return nil, ErrSessionNotFound
	}
}

// Ping checks connectivity.
func (s *ValkeyPreviewStore) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func decodeSession(data []byte) (*PreviewSession, error) {
	var sess PreviewSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode preview session: %w", err)
	}
	return &sess, nil
}
