package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/loanagent/internal/executors"
	"github.com/haasonsaas/loanagent/internal/pending"
	"github.com/haasonsaas/loanagent/pkg/models"
)

var _ pending.Reporter = (*Server)(nil)

// Confirmed edits the confirmation message before the action runs.
func (s *Server) Confirmed(ctx context.Context, entry pending.Entry) {
	for _, action := range entry.Actions {
		s.edit(ctx, entry.Delivery, formatConfirmed(action))
	}
}

// Executed edits the confirmation message with each action's outcome. Query
// rows are also sent as a table image; the edit keeps them as JSON text.
func (s *Server) Executed(ctx context.Context, entry pending.Entry, results []pending.ExecResult) {
	for _, res := range results {
		if res.Err != nil {
			s.edit(ctx, entry.Delivery, formatFailure(res.Action, res.Err))
			continue
		}
		if rows, ok := res.Output.([]map[string]any); ok && len(rows) > 0 {
			s.sendTable(ctx, entry.Delivery.ConversationKey, res.Action, rows)
		}
		s.edit(ctx, entry.Delivery, formatSuccess(res.Action, res.Output))
	}
}

func (s *Server) sendTable(ctx context.Context, conversationKey string, action models.ActionSpec, rows []map[string]any) {
	img, err := renderTable(rows)
	if err != nil {
		s.logger.WarnContext(ctx, "table render failed", "id", action.ID, "error", err)
		return
	}
	if _, err := s.transport.SendImage(ctx, conversationKey, img, formatTableCaption(action, len(rows))); err != nil {
		s.logger.WarnContext(ctx, "table image send failed", "id", action.ID, "conversation_key", conversationKey, "error", err)
	}
}

// Expired tells the owner the action was dropped.
func (s *Server) Expired(ctx context.Context, entry pending.Entry) {
	for _, action := range entry.Actions {
		s.edit(ctx, entry.Delivery, formatTimeout(action))
	}
}

// Cancelled tells the owner the action was cancelled on request.
func (s *Server) Cancelled(ctx context.Context, entry pending.Entry) {
	for _, action := range entry.Actions {
		s.edit(ctx, entry.Delivery, formatCancelled(action))
	}
}

func kindLabel(kind models.ActionKind) string {
	return strings.ToUpper(string(kind))
}

func idOrUnknown(id string) string {
	if id == "" {
		return "(unknown)"
	}
	return id
}

// actionBody describes an action the way confirmation messages show it.
func actionBody(action models.ActionSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s ID: `%s`\n", kindLabel(action.Kind), idOrUnknown(action.ID))
	if action.Kind == models.ActionSQL {
		query := action.Query
		if query == "" {
			query = "(registry template)"
		}
		fmt.Fprintf(&b, "Query:\n```sql\n%s\n```\n", query)
	}
	if len(action.Params) == 0 {
		b.WriteString("No parameters.")
		return b.String()
	}
	params, err := json.MarshalIndent(action.Params, "", "  ")
	if err != nil {
		params = []byte(fmt.Sprint(action.Params))
	}
	fmt.Fprintf(&b, "Parameters:\n```json\n%s\n```", params)
	return b.String()
}

func formatPending(action models.ActionSpec, timeout time.Duration, symbol string) string {
	return fmt.Sprintf("*Pending %s Confirmation*\n\n%s\n\nReact %s to confirm within %ds",
		kindLabel(action.Kind), actionBody(action), symbol, int(timeout/time.Second))
}

func formatConfirmed(action models.ActionSpec) string {
	return fmt.Sprintf("*%s Confirmed*\n\n%s\n\n⏳ Executing, please wait...", kindLabel(action.Kind), actionBody(action))
}

func formatSuccess(action models.ActionSpec, output any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🎊 *%s Executed Successfully*\n\n", kindLabel(action.Kind))
	if rows, ok := output.([]map[string]any); ok {
		if len(rows) == 0 {
			fmt.Fprintf(&b, "ID: `%s`\nNo data was returned from the query.", idOrUnknown(action.ID))
			return b.String()
		}
		fmt.Fprintf(&b, "ID: `%s`\nRows Retrieved: %d\n\n", idOrUnknown(action.ID), len(rows))
	}
	fmt.Fprintf(&b, "Result:\n```json\n%s\n```", executors.Render(output))
	return b.String()
}

func formatTableCaption(action models.ActionSpec, rows int) string {
	return fmt.Sprintf("ID: `%s`\nRows Retrieved: %d", idOrUnknown(action.ID), rows)
}

func formatFailure(action models.ActionSpec, err error) string {
	return fmt.Sprintf("❌ *%s Failed*\n\nID: `%s`\nError: %s", kindLabel(action.Kind), idOrUnknown(action.ID), err)
}

func formatTimeout(action models.ActionSpec) string {
	return fmt.Sprintf("⏰ *%s Timeout*\n\nID: `%s`\nNo confirmation received, so the action has been cancelled",
		kindLabel(action.Kind), idOrUnknown(action.ID))
}

func formatCancelled(action models.ActionSpec) string {
	return fmt.Sprintf("🚫 *%s Cancelled*\n\nID: `%s`\nThe action was cancelled at your request",
		kindLabel(action.Kind), idOrUnknown(action.ID))
}

func formatKeywordTip(role string) string {
	return "💡 *Tip*\n\nInclude a keyword like \"api\" or \"sql\" in your message to reach the right agent directly.\n\n" +
		fmt.Sprintf("This request went to the %s agent.", strings.ToUpper(role))
}
