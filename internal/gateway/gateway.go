// Package gateway provides the stateless message operations the engine
// publishes through: send, edit, delete, and a sweep over the bot's own
// previously sent messages. Every operation is idempotent with respect to
// "message already gone".
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

// ErrNotFound reports that the target message no longer exists.
var ErrNotFound = errors.New("message not found")

// ErrForbidden reports a missing permission; callers log and abandon the
// operation, operator intervention is required.
var ErrForbidden = errors.New("operation forbidden")

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Gateway performs message operations against a single bot identity.
type Gateway struct {
	api     telegramAPI
	log     *slog.Logger
	limiter *rate.Limiter
}

// New creates a Gateway with the given Telegram token.
func New(token string, log *slog.Logger) (*Gateway, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newWithAPI(api, log), nil
}

func newWithAPI(api telegramAPI, log *slog.Logger) *Gateway {
	return &Gateway{
		api: api,
		log: log,
		// Deletion pacing during sweeps, well under the Bot API budget.
		limiter: rate.NewLimiter(rate.Limit(1.6), 1),
	}
}

// Send posts a new message and returns its id.
func (g *Gateway) Send(chatID int64, text string) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	sent, err := g.api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("send message: %w", err)
	}
	return sent.MessageID, nil
}

// Edit replaces the text of an existing message. A message that no longer
// exists yields ErrNotFound so the caller can fall back to Send.
func (g *Gateway) Edit(chatID int64, messageID int, text string) (int, error) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edited, err := g.api.Send(edit)
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("edit message %d: %w", messageID, err)
	}
	return edited.MessageID, nil
}

// Delete removes a message. A message that is already gone is treated as
// success; missing permissions surface as ErrForbidden.
func (g *Gateway) Delete(chatID int64, messageID int) error {
	_, err := g.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		g.log.Debug("message already gone", "chat_id", chatID, "message_id", messageID)
		return nil
	case isForbidden(err):
		return fmt.Errorf("delete message %d: %w", messageID, ErrForbidden)
	default:
		return fmt.Errorf("delete message %d: %w", messageID, err)
	}
}

// SweepOwn deletes up to limit of the bot's own messages in a channel,
// pacing deletions to respect rate limits. It returns the ids that are
// confirmed gone (deleted now or already missing). A permission error
// aborts the sweep; ids already confirmed gone are still returned.
func (g *Gateway) SweepOwn(ctx context.Context, chatID int64, messageIDs []int, limit int) []int {
	var gone []int
	for i, id := range messageIDs {
		if i >= limit {
			break
		}
		if err := g.limiter.Wait(ctx); err != nil {
			return gone
		}
		err := g.Delete(chatID, id)
		switch {
		case err == nil:
			gone = append(gone, id)
		case errors.Is(err, ErrForbidden):
			g.log.Warn("missing permission to delete message", "chat_id", chatID, "message_id", id)
			return gone
		default:
			g.log.Error("sweep delete", "chat_id", chatID, "message_id", id, "error", err)
		}
	}
	if len(gone) > 0 {
		g.log.Info("swept own messages", "chat_id", chatID, "count", len(gone))
	}
	return gone
}

// isNotFound matches the Bot API's "message to edit not found" /
// "message to delete not found" replies. Transport-level errors (which
// are not *tgbotapi.Error) never match, so a DNS failure on Edit is not
// mistaken for a deleted message.
func isNotFound(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != 400 {
		return false
	}
	text := strings.ToLower(apiErr.Message)
	return strings.Contains(text, "message to edit not found") ||
		strings.Contains(text, "message to delete not found") ||
		strings.Contains(text, "message not found")
}

func isForbidden(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 403 {
		return true
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "not enough rights") ||
		strings.Contains(text, "can't be deleted") ||
		strings.Contains(text, "forbidden")
}
