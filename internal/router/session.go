package router

import (
	"errors"
	"sync"

	"github.com/durahub/durahub/internal/common/logger"
	"github.com/durahub/durahub/internal/store"
	v1 "github.com/durahub/durahub/pkg/api/v1"
)

// Session owns one locked orchestration turn: it conveys the turn's
// inbound messages through a router dispatcher and tracks consumption.
// Messages the store persists while the turn is in flight arrive on the
// same dispatcher, so a turn folds in late arrivals before it ships.
type Session struct {
	wi     *store.OrchestrationWorkItem
	router *Router
	reader *Reader
	log    *logger.Logger

	releaseOnce sync.Once
}

// NewSession registers the turn with the router, pre-seeding the
// dispatcher with the turn's inbound messages.
func NewSession(r *Router, wi *store.OrchestrationWorkItem, log *logger.Logger) (*Session, error) {
	if len(wi.NewMessages) == 0 {
		return nil, errors.New("session: turn has no messages")
	}
	msgs := make([]*v1.WorkMessage, 0, len(wi.NewMessages))
	for i, m := range wi.NewMessages {
		receipt := ""
		if i < len(wi.Receipts) {
			receipt = wi.Receipts[i]
		}
		msgs = append(msgs, &v1.WorkMessage{
			DispatchID: wi.InstanceID,
			Message:    m,
			PopReceipt: receipt,
		})
	}
	reader, err := r.Initialize(msgs[0])
	if err != nil {
		return nil, err
	}
	for _, m := range msgs[1:] {
		r.Deliver(wi.InstanceID, m)
	}
	return &Session{
		wi:     wi,
		router: r,
		reader: reader,
		log:    log.WithInstanceID(wi.InstanceID),
	}, nil
}

// WorkItem returns the locked turn.
func (s *Session) WorkItem() *store.OrchestrationWorkItem {
	return s.wi
}

// History yields the committed history in order.
func (s *Session) History() []*v1.HistoryEvent {
	return s.wi.State.OldEvents()
}

// Reader returns the inbound side of the turn.
func (s *Session) Reader() *Reader {
	return s.reader
}

// ConsumeMessage folds an inbound message into the turn's uncommitted
// state and claims its receipt, so commit deletes the queue entry. The
// receipt is claimed even when the event is stale: a filtered message
// must not retrigger the instance. Deletion happens only at commit, so
// delivery stays at-least-once: a crash before commit re-runs the
// message on the next turn, where the duplicate is filtered.
func (s *Session) ConsumeMessage(workMsg *v1.WorkMessage) error {
	s.claimReceipt(workMsg.PopReceipt)
	return s.wi.State.AddEvent(workMsg.Message.Event)
}

// claimReceipt adds the receipt to the turn unless it is already held.
// Messages seeded at lock time carry receipts the store listed on the
// work item; only live-delivered ones are new.
func (s *Session) claimReceipt(receipt string) {
	if receipt == "" {
		return
	}
	for _, r := range s.wi.Receipts {
		if r == receipt {
			return
		}
	}
	s.wi.Receipts = append(s.wi.Receipts, receipt)
}

// UpdateState records the user-provided substatus on the turn's state.
func (s *Session) UpdateState(customStatus string) {
	s.wi.State.CustomStatus = customStatus
}

// Release closes the inbound reader; the dispatcher unregisters itself.
// Messages still buffered at release were never consumed, so their
// durable queue entries survive and retrigger the instance. Idempotent.
func (s *Session) Release() {
	s.releaseOnce.Do(func() {
		s.reader.Close()
	})
}

// Drain empties the inbound buffer, returning whatever arrived since
// the last read.
func (s *Session) Drain() []*v1.WorkMessage {
	var rest []*v1.WorkMessage
	for {
		msg, ok := s.reader.TryRead()
		if !ok {
			return rest
		}
		rest = append(rest, msg)
	}
}
