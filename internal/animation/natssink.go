package animation

import (
	"context"
	"time"

	"github.com/loqalabs/miko-core/internal/protocol"
)

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusSink mirrors animation events onto the message bus.
type BusSink struct {
	pub     Publisher
	subject string
	now     func() time.Time
}

func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{pub: pub, subject: protocol.SubjectAnimation, now: time.Now}
}

func (s *BusSink) Deliver(_ context.Context, ev Event) error {
	return s.pub.PublishJSON(s.subject, protocol.AnimationSignal{
		Type:      string(ev.Type),
		Text:      ev.Text,
		Timestamp: s.now().UTC(),
	})
}
