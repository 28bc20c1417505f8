package channels

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

func TestBaseEmitDropsWhenFull(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	b := NewBase(models.ChannelWhatsApp, 1, metrics, nil)

	evt := models.Event{Kind: models.EventMessage, Message: &models.InboundMessage{ConversationKey: "c1"}}
	if !b.Emit(evt) {
		t.Fatal("first event dropped")
	}
	if b.Emit(evt) {
		t.Fatal("second event should be dropped with a full buffer")
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d", b.Dropped())
	}
	if got := testutil.ToFloat64(metrics.MessagesReceived.WithLabelValues("whatsapp", "message", "false")); got != 1 {
		t.Errorf("rejected metric = %v", got)
	}

	got := <-b.Events()
	if got.ConversationKey() != "c1" {
		t.Errorf("event = %+v", got)
	}
}

func TestBaseClose(t *testing.T) {
	b := NewBase(models.ChannelConsole, 0, nil, nil)
	b.Close()
	b.Close()
	if b.Emit(models.Event{Kind: models.EventReaction, Reaction: &models.Reaction{}}) {
		t.Error("emit after close succeeded")
	}
	if _, ok := <-b.Events(); ok {
		t.Error("events channel still open")
	}
}

func TestBaseStatus(t *testing.T) {
	b := NewBase(models.ChannelWhatsApp, 0, nil, nil)
	if b.Status().Connected {
		t.Fatal("new base reports connected")
	}
	b.SetStatus(true, "")
	st := b.Status()
	if !st.Connected || st.LastPing == 0 {
		t.Errorf("status = %+v", st)
	}
	b.RecordSent()
	if b.Sent() != 1 {
		t.Errorf("sent = %d", b.Sent())
	}
}
