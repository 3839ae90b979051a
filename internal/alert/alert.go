// Package alert surfaces dead-lettered jobs to the operator channel.
// A dead-lettered close or timeout job means inventory or money state
// needs a human look, so these go to a monitored Discord channel via
// webhook rather than into a log nobody tails.
package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/jobs"
)

// Discord posts dead-letter alerts to a channel webhook.
type Discord struct {
	session *discordgo.Session
	id      string
	token   string
	logger  *slog.Logger
}

// NewDiscord returns a Discord alert sink, or nil if the webhook is not
// configured. A nil *Discord is a valid no-op sink for jobs.Worker.
func NewDiscord(cfg config.AlertConfig, logger *slog.Logger) (*Discord, error) {
	if cfg.DiscordWebhookID == "" || cfg.DiscordWebhookToken == "" {
		return nil, nil
	}
	// Webhook execution needs no bot token; the session only carries
	// the HTTP client.
	session, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{
		session: session,
		id:      cfg.DiscordWebhookID,
		token:   cfg.DiscordWebhookToken,
		logger:  logger,
	}, nil
}

// JobDead implements jobs.AlertSink. Failures are logged and swallowed;
// alerting must never affect job processing.
func (d *Discord) JobDead(ctx context.Context, job jobs.Job, cause error) {
	if d == nil {
		return
	}
	content := fmt.Sprintf(
		"**Dead-lettered job** `%s`\nkey: `%s`\nattempt: %d\nerror: %s",
		job.Kind, job.Key, job.Attempt, cause,
	)
	_, err := d.session.WebhookExecute(d.id, d.token, false, &discordgo.WebhookParams{
		Content: content,
	})
	if err != nil {
		d.logger.WarnContext(ctx, "posting dead-letter alert failed",
			slog.String("job_key", job.Key),
			slog.Any("error", err),
		)
	}
}
