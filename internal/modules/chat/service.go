// README: Append-only chat log on Redis Streams, one stream per thread.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"market/internal/modules/lifecycle"
	"market/internal/types"
)

const (
	maxTextLen     = 2000
	defaultLimit   = 100
	maxStreamLen   = 10000
	defaultFollow  = 25 * time.Second
	streamKeyScope = "chat:"
)

var ErrInvalidMessage = errors.New("invalid chat message")

type Message struct {
	ID         string         `json:"id"`
	Thread     string         `json:"thread"`
	SenderID   types.ID       `json:"sender_id"`
	SenderRole lifecycle.Role `json:"sender_role"`
	Text       string         `json:"text"`
	SentAt     time.Time      `json:"sent_at"`
}

type Service struct {
	rdb        *redis.Client
	membership Membership
	now        func() time.Time
}

func NewService(rdb *redis.Client, membership Membership) *Service {
	return &Service{rdb: rdb, membership: membership, now: time.Now}
}

func streamKey(t Thread) string {
	return streamKeyScope + t.String()
}

func (s *Service) authorize(ctx context.Context, t Thread, actor lifecycle.Actor) error {
	ok, err := s.membership.IsMember(ctx, t, actor)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// Post appends text to the thread and returns the stored message.
func (s *Service) Post(ctx context.Context, t Thread, actor lifecycle.Actor, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty", ErrInvalidMessage)
	}
	if len(text) > maxTextLen {
		return Message{}, fmt.Errorf("%w: longer than %d bytes", ErrInvalidMessage, maxTextLen)
	}
	if err := s.authorize(ctx, t, actor); err != nil {
		return Message{}, err
	}

	m := Message{Thread: t.String(), SenderID: actor.ID, SenderRole: actor.Role, Text: text, SentAt: s.now().UTC()}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(t),
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{
			"sender": string(m.SenderID),
			"role":   string(m.SenderRole),
			"text":   m.Text,
			"sent":   m.SentAt.UnixMilli(),
		},
	}).Result()
	if err != nil {
		return Message{}, fmt.Errorf("xadd %s: %w", t, err)
	}
	m.ID = id
	return m, nil
}

// History returns up to limit messages after the message id after ("" for
// the start of the thread), oldest first.
func (s *Service) History(ctx context.Context, t Thread, actor lifecycle.Actor, after string, limit int) ([]Message, error) {
	if err := s.authorize(ctx, t, actor); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > defaultLimit {
		limit = defaultLimit
	}
	start := "-"
	if after != "" {
		start = "(" + after
	}
	msgs, err := s.rdb.XRangeN(ctx, streamKey(t), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", t, err)
	}
	return decodeAll(t, msgs), nil
}

// Follow blocks until messages newer than after arrive or wait elapses. An
// empty result means nothing new.
func (s *Service) Follow(ctx context.Context, t Thread, actor lifecycle.Actor, after string, wait time.Duration) ([]Message, error) {
	if err := s.authorize(ctx, t, actor); err != nil {
		return nil, err
	}
	if after == "" {
		after = "$"
	}
	if wait <= 0 {
		wait = defaultFollow
	}
	streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{streamKey(t), after},
		Count:   defaultLimit,
		Block:   wait,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xread %s: %w", t, err)
	}
	var out []Message
	for _, st := range streams {
		out = append(out, decodeAll(t, st.Messages)...)
	}
	return out, nil
}

func decodeAll(t Thread, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, xm := range msgs {
		out = append(out, decode(t, xm))
	}
	return out
}

func decode(t Thread, xm redis.XMessage) Message {
	m := Message{ID: xm.ID, Thread: t.String()}
	if v, ok := xm.Values["sender"].(string); ok {
		m.SenderID = types.ID(v)
	}
	if v, ok := xm.Values["role"].(string); ok {
		m.SenderRole = lifecycle.Role(v)
	}
	if v, ok := xm.Values["text"].(string); ok {
		m.Text = v
	}
	if v, ok := xm.Values["sent"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.SentAt = time.UnixMilli(ms).UTC()
		}
	}
	return m
}
