package whatsapp

import (
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/haasonsaas/loanagent/pkg/models"
)

// identity is the paired account, used to spot mentions and quotes of the bot.
type identity struct {
	phone types.JID
	lid   types.JID
}

func (id identity) is(jid types.JID) bool {
	if jid.User == "" {
		return false
	}
	return (id.phone.User != "" && jid.User == id.phone.User) ||
		(id.lid.User != "" && jid.User == id.lid.User)
}

func (id identity) isString(raw string) bool {
	jid, err := types.ParseJID(raw)
	if err != nil {
		return false
	}
	return id.is(jid)
}

// convertEvent turns a whatsmeow message event into a transport event.
// Messages the account sent itself, status broadcasts and non-text
// messages yield false.
func convertEvent(evt *events.Message, self identity) (models.Event, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return models.Event{}, false
	}
	if evt.Info.Chat.Server == types.BroadcastServer {
		return models.Event{}, false
	}

	chat := evt.Info.Chat.String()
	sender := evt.Info.Sender.ToNonAD().String()

	if reaction := evt.Message.GetReactionMessage(); reaction != nil {
		key := reaction.GetKey()
		if key == nil || key.GetID() == "" {
			return models.Event{}, false
		}
		return models.Event{
			Kind: models.EventReaction,
			Reaction: &models.Reaction{
				ConversationKey: chat,
				ReactorID:       sender,
				Target:          models.Delivery{ConversationKey: chat, MessageID: key.GetID()},
				Symbol:          reaction.GetText(),
				Timestamp:       evt.Info.Timestamp,
			},
		}, true
	}

	text, ctxInfo := messageText(evt.Message)
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Event{}, false
	}

	msg := &models.InboundMessage{
		ID:              string(evt.Info.ID),
		Channel:         models.ChannelWhatsApp,
		ConversationKey: chat,
		SenderID:        sender,
		SenderName:      evt.Info.PushName,
		Text:            text,
		IsGroup:         evt.Info.IsGroup,
		Timestamp:       evt.Info.Timestamp,
	}
	if msg.SenderName == "" {
		msg.SenderName = evt.Info.Sender.User
	}

	if ctxInfo != nil {
		for _, mentioned := range ctxInfo.GetMentionedJID() {
			if self.isString(mentioned) {
				msg.MentionsBot = true
				break
			}
		}
		if quoted := ctxInfo.GetQuotedMessage(); quoted != nil {
			msg.QuotedText, _ = messageText(quoted)
			msg.QuotesBot = self.isString(ctxInfo.GetParticipant())
		}
	}
	if msg.MentionsBot {
		msg.Text = stripMention(msg.Text, self)
	}
	return models.Event{Kind: models.EventMessage, Message: msg}, true
}

func messageText(m *waE2E.Message) (string, *waE2E.ContextInfo) {
	switch {
	case m.GetConversation() != "":
		return m.GetConversation(), nil
	case m.GetExtendedTextMessage() != nil:
		ext := m.GetExtendedTextMessage()
		return ext.GetText(), ext.GetContextInfo()
	case m.GetImageMessage() != nil:
		img := m.GetImageMessage()
		return img.GetCaption(), img.GetContextInfo()
	case m.GetDocumentMessage() != nil:
		doc := m.GetDocumentMessage()
		return doc.GetCaption(), doc.GetContextInfo()
	}
	return "", nil
}

// stripMention removes "@<bot number>" tokens so the agent sees the request only.
func stripMention(text string, self identity) string {
	for _, user := range []string{self.phone.User, self.lid.User} {
		if user == "" {
			continue
		}
		text = strings.ReplaceAll(text, "@"+user, "")
	}
	return strings.Join(strings.Fields(text), " ")
}
