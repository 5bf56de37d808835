// Package notify emails a digest of the next actions a runbook run created.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"

	"github.com/nadmax/deskmate/internal/logging"
	"github.com/nadmax/deskmate/internal/runbook"
	"github.com/nadmax/deskmate/internal/triage"
	"github.com/rs/zerolog"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Config struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

func (c Config) Enabled() bool {
	return c.APIKey != "" && c.FromAddress != "" && c.To != ""
}

// Sender is the part of the SendGrid client the digest uses.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type Digest struct {
	cfg    Config
	client Sender
	log    zerolog.Logger
}

func NewDigest(cfg Config) (*Digest, error) {
	if !cfg.Enabled() {
		return nil, errors.New("digest requires an API key, a sender and a recipient")
	}
	return NewDigestWithSender(cfg, sendgrid.NewSendClient(cfg.APIKey)), nil
}

func NewDigestWithSender(cfg Config, client Sender) *Digest {
	return &Digest{cfg: cfg, client: client, log: logging.Component("notify")}
}

// NotifyItems sends one email listing the next_action items, highest
// priority first. Quick reads are left out; nothing is sent without next
// actions.
func (d *Digest) NotifyItems(ctx context.Context, def runbook.Definition, items []*triage.Item) error {
	actions := make([]*triage.Item, 0, len(items))
	for _, item := range items {
		if item.Kind == triage.KindNextAction {
			actions = append(actions, item)
		}
	}
	if len(actions) == 0 {
		return nil
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Priority > actions[j].Priority })

	name := def.Name
	if name == "" {
		name = def.ID
	}
	subject := fmt.Sprintf("%s: %d new next action", name, len(actions))
	if len(actions) > 1 {
		subject += "s"
	}

	plain, htmlBody := renderDigest(name, actions)
	from := mail.NewEmail(d.cfg.FromName, d.cfg.FromAddress)
	to := mail.NewEmail("", d.cfg.To)
	email := mail.NewSingleEmail(from, subject, to, plain, htmlBody)

	response, err := d.client.SendWithContext(ctx, email)
	if err != nil {
		return fmt.Errorf("failed to send digest: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	d.log.Info().Str("runbook_id", def.ID).Int("items", len(actions)).Int("status", response.StatusCode).Msg("digest sent")
	return nil
}

func renderDigest(name string, items []*triage.Item) (string, string) {
	var plain, rich strings.Builder

	fmt.Fprintf(&plain, "New next actions from %s:\n\n", name)
	fmt.Fprintf(&rich, "<p>New next actions from <strong>%s</strong>:</p>\n<ul>\n", html.EscapeString(name))

	for _, item := range items {
		fmt.Fprintf(&plain, "- [P%d] %s\n", item.Priority, item.Title)
		fmt.Fprintf(&rich, "<li>[P%d] <strong>%s</strong>", item.Priority, html.EscapeString(item.Title))
		if summary := strings.TrimSpace(item.Summary); summary != "" {
			fmt.Fprintf(&plain, "  %s\n", summary)
			fmt.Fprintf(&rich, "<br>%s", html.EscapeString(summary))
		}
		rich.WriteString("</li>\n")
	}
	rich.WriteString("</ul>\n")

	return plain.String(), rich.String()
}
