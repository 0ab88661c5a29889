package gatherer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
)

// Service drives sessions for a chat layer: it opens a session on a qualifying
// request and feeds every later message of the conversation through Step.
type Service struct {
	store  SessionStore
	now    func() time.Time
	newID  func() string
	logger *log.Logger
}

type ServiceOption func(*Service)

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) { s.newID = fn }
}

func WithLogger(l *log.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

func NewService(store SessionStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: log.New(io.Discard, "", 0),
	}
	for _, o := range opts {
		o(s)
	}
	if s.store == nil {
		s.store = NewMemoryStore()
	}
	return s
}

// Handle processes one user message. A conversation without an open session only
// starts one when the message is a task request; otherwise Reply.State is empty.
func (s *Service) Handle(ctx context.Context, conversationID, text string) (Reply, error) {
	cur, err := s.store.Get(ctx, conversationID)
	switch {
	case errors.Is(err, ErrSessionNotFound) || (err == nil && cur.State == StateCompleted):
		ok, taskType := Detect(text)
		if !ok {
			return Reply{Message: "調査や分析の依頼内容を送ってください。"}, nil
		}
		sess, reply := Start(s.newID(), conversationID, text, s.now().UTC())
		if err := s.store.Put(ctx, sess); err != nil {
			return Reply{}, err
		}
		s.logger.Printf("session start id=%s conversation=%s type=%s", sess.ID, conversationID, taskType)
		return reply, nil
	case err != nil:
		return Reply{}, fmt.Errorf("load session: %w", err)
	}

	var reply Reply
	next, err := s.store.Update(ctx, conversationID, func(cur Session) (Session, error) {
		var next Session
		next, reply = Step(cur, text, s.now().UTC())
		return next, nil
	})
	if err != nil {
		return Reply{}, err
	}
	s.logger.Printf("session step id=%s state=%s answered=%d", next.ID, next.State, len(next.Answers))
	return reply, nil
}

// Session returns the stored session of a conversation.
func (s *Service) Session(ctx context.Context, conversationID string) (Session, error) {
	return s.store.Get(ctx, conversationID)
}
