// Package email sends operator notifications.
package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"text/template"
	"time"

	"github.com/enzyme/linkpreview/internal/config"
	"github.com/enzyme/linkpreview/internal/quota"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

type Service struct {
	sender   Sender
	operator string
	text     *template.Template
	html     *htmltemplate.Template
	logger   *slog.Logger
}

// NewService builds a Service from config. A disabled config gets a
// NoOpSender.
func NewService(cfg config.EmailConfig) (*Service, error) {
	var sender Sender
	if cfg.Enabled {
		sender = NewSMTPSender(cfg)
	} else {
		sender = &NoOpSender{}
	}
	return NewServiceWithSender(sender, cfg.Operator)
}

func NewServiceWithSender(sender Sender, operator string) (*Service, error) {
	text, err := template.ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("parsing text templates: %w", err)
	}
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing html templates: %w", err)
	}
	return &Service{
		sender:   sender,
		operator: operator,
		text:     text,
		html:     html,
		logger:   slog.Default().With("component", "email"),
	}, nil
}

type quotaEmailData struct {
	Period    string
	Count     int
	Limit     int
	ReachedAt string
	ResetsOn  string
}

// NotifyQuotaReached tells the operator the month's ceiling was hit.
func (s *Service) NotifyQuotaReached(ctx context.Context, n quota.Notice) error {
	if s.operator == "" {
		s.logger.Warn("quota reached but no operator address configured",
			"year", n.Year, "month", int(n.Month), "limit", n.Limit)
		return nil
	}

	first := time.Date(n.Year, n.Month, 1, 0, 0, 0, 0, time.UTC)
	data := quotaEmailData{
		Period:    first.Format("January 2006"),
		Count:     n.Count,
		Limit:     n.Limit,
		ReachedAt: n.ReachedAt.UTC().Format(time.RFC3339),
		ResetsOn:  first.AddDate(0, 1, 0).Format("2006-01-02"),
	}

	var text, html bytes.Buffer
	if err := s.text.ExecuteTemplate(&text, "quota_reached.txt", data); err != nil {
		return fmt.Errorf("rendering quota email: %w", err)
	}
	if err := s.html.ExecuteTemplate(&html, "quota_reached.html", data); err != nil {
		return fmt.Errorf("rendering quota email: %w", err)
	}

	subject := fmt.Sprintf("Link preview API quota reached for %s", data.Period)
	if err := s.sender.Send(ctx, s.operator, subject, text.String(), html.String()); err != nil {
		return fmt.Errorf("sending quota email: %w", err)
	}
	return nil
}
