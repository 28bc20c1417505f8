package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/internal/pending"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// handleMessage runs one message through the router and delivers the
// outcome. Actions are delivered one confirmation message each.
func (s *Server) handleMessage(ctx context.Context, msg models.InboundMessage) error {
	ctx = observability.AddRequestID(ctx, uuid.NewString())
	ctx = observability.AddConversationKey(ctx, msg.ConversationKey)
	ctx = observability.AddOwnerID(ctx, msg.SenderID)
	s.logger.InfoContext(ctx, "handling message", "message_id", msg.ID, "length", len(msg.Text), "group", msg.IsGroup)

	stopTyping := s.startTyping(ctx, msg.ConversationKey)
	routing, result := s.router.Dispatch(ctx, msg.ConversationKey, msg.SenderID, msg, s.opts.MaxRetries)
	stopTyping()

	role := routing.Role
	if role != "" {
		ctx = observability.AddRole(ctx, role)
	}
	s.logger.InfoContext(ctx, "agent finished", "outcome", result.Outcome(), "routed_by", routing.Method)

	if routing.Method == agent.RoutedByClassifier && role != "" {
		s.sendKeywordTip(ctx, msg.ConversationKey, role)
	}

	switch r := result.(type) {
	case agent.PlainMessage:
		return s.reply(ctx, msg.ConversationKey, r.Text)
	case agent.PendingAction:
		var errs []error
		if r.Message != "" {
			errs = append(errs, s.reply(ctx, msg.ConversationKey, r.Message))
		}
		for i, action := range r.Actions {
			errs = append(errs, s.propose(ctx, msg, i, action))
		}
		return errors.Join(errs...)
	case agent.Unavailable:
		s.logger.WarnContext(ctx, "agent unavailable", "reason", r.Reason)
		return s.reply(ctx, msg.ConversationKey, r.Text)
	case agent.Failure:
		s.logger.WarnContext(ctx, "agent failed", "cause", r.Cause)
		return s.reply(ctx, msg.ConversationKey, r.Text)
	default:
		return fmt.Errorf("unexpected %s result from role %q", result.Outcome(), role)
	}
}

// sendKeywordTip tells the conversation that a keyword would have skipped
// the classifier. It is sent at most once per TipCooldown per conversation.
func (s *Server) sendKeywordTip(ctx context.Context, conversationKey, role string) {
	now := s.now()
	s.tipMu.Lock()
	if last, ok := s.tipSent[conversationKey]; ok && now.Sub(last) < s.opts.TipCooldown {
		s.tipMu.Unlock()
		s.logger.DebugContext(ctx, "keyword tip skipped", "remaining", s.opts.TipCooldown-now.Sub(last))
		return
	}
	s.tipSent[conversationKey] = now
	s.tipMu.Unlock()

	if _, err := s.transport.Deliver(ctx, conversationKey, formatKeywordTip(role)); err != nil {
		s.logger.WarnContext(ctx, "keyword tip failed", "error", err)
	}
}

// propose delivers the confirmation message for one action and arms it.
// The delivered message id is the confirmation token.
func (s *Server) propose(ctx context.Context, msg models.InboundMessage, index int, action models.ActionSpec) error {
	timeout := s.registry.Timeout(index)
	d, err := s.transport.Deliver(ctx, msg.ConversationKey, formatPending(action, timeout, s.registry.ConfirmSymbol()))
	if err != nil {
		return fmt.Errorf("deliver confirmation for %s: %w", action.ID, err)
	}

	_, err = s.registry.Propose(pending.Proposal{
		Token:           d.MessageID,
		OwnerID:         msg.SenderID,
		ConversationKey: msg.ConversationKey,
		Actions:         []models.ActionSpec{action},
		Delivery:        d,
		Index:           index,
	})
	if err != nil {
		s.edit(ctx, d, formatFailure(action, err))
		return fmt.Errorf("arm %s: %w", action.ID, err)
	}
	return nil
}

// handleReaction forwards a reaction to the registry. Reactions that match
// nothing are normal chat activity and only logged.
func (s *Server) handleReaction(ctx context.Context, r models.Reaction) error {
	ctx = observability.AddConversationKey(ctx, r.ConversationKey)
	ctx = observability.AddOwnerID(ctx, r.ReactorID)

	err := s.registry.Confirm(ctx, r.Target.MessageID, r.ReactorID, r.Symbol)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pending.ErrNotFound), errors.Is(err, pending.ErrWrongSymbol):
		s.logger.DebugContext(ctx, "reaction ignored", "target", r.Target.MessageID, "symbol", r.Symbol, "reason", err)
		return nil
	case errors.Is(err, pending.ErrNotOwner):
		s.logger.InfoContext(ctx, "confirmation from non-owner ignored", "target", r.Target.MessageID)
		return nil
	default:
		return err
	}
}

// reply delivers text in chunks.
func (s *Server) reply(ctx context.Context, conversationKey, text string) error {
	for _, chunk := range s.chunker.Chunk(text) {
		if _, err := s.transport.Deliver(ctx, conversationKey, chunk); err != nil {
			return fmt.Errorf("deliver reply: %w", err)
		}
	}
	return nil
}

// edit replaces a delivered message, falling back to a new message when the
// transport cannot edit.
func (s *Server) edit(ctx context.Context, d models.Delivery, text string) {
	err := s.transport.Edit(ctx, d, text)
	if err == nil {
		return
	}
	s.logger.WarnContext(ctx, "edit failed, sending a new message", "message_id", d.MessageID, "error", err)
	if _, err := s.transport.Deliver(ctx, d.ConversationKey, text); err != nil {
		s.logger.ErrorContext(ctx, "deliver failed", "conversation_key", d.ConversationKey, "error", err)
	}
}

// startTyping turns the typing indicator on once TypingDelay has passed.
// The returned func turns it off again if it was turned on.
func (s *Server) startTyping(ctx context.Context, conversationKey string) func() {
	if !s.opts.SendTyping {
		return func() {}
	}
	var (
		mu      sync.Mutex
		typing  bool
		stopped bool
	)
	timer := time.AfterFunc(s.opts.TypingDelay, func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if err := s.transport.SetTyping(ctx, conversationKey, true); err != nil {
			s.logger.DebugContext(ctx, "typing indicator failed", "error", err)
			return
		}
		typing = true
	})
	return func() {
		timer.Stop()
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if typing {
			_ = s.transport.SetTyping(context.WithoutCancel(ctx), conversationKey, false)
		}
	}
}
