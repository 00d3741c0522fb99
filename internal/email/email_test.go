package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/enzyme/linkpreview/internal/config"
	"github.com/enzyme/linkpreview/internal/quota"
)

type sentMessage struct {
	to, subject, text, html string
}

type recordingSender struct {
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(_ context.Context, to, subject, textBody, htmlBody string) error {
	s.sent = append(s.sent, sentMessage{to, subject, textBody, htmlBody})
	return s.err
}

func notice() quota.Notice {
	return quota.Notice{
		Year:      2026,
		Month:     time.March,
		Limit:     1000,
		Count:     1000,
		ReachedAt: time.Date(2026, 3, 17, 9, 30, 0, 0, time.UTC),
	}
}

func TestNotifyQuotaReached(t *testing.T) {
	sender := &recordingSender{}
	svc, err := NewServiceWithSender(sender, "ops@example.com")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.NotifyQuotaReached(context.Background(), notice()); err != nil {
		t.Fatalf("NotifyQuotaReached: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sender.sent))
	}
	m := sender.sent[0]
	if m.to != "ops@example.com" {
		t.Errorf("to = %q", m.to)
	}
	if !strings.Contains(m.subject, "March 2026") {
		t.Errorf("subject = %q", m.subject)
	}
	for _, want := range []string{"1000 of 1000", "2026-03-17T09:30:00Z", "2026-04-01"} {
		if !strings.Contains(m.text, want) {
			t.Errorf("text body missing %q:\n%s", want, m.text)
		}
		if !strings.Contains(m.html, want) {
			t.Errorf("html body missing %q:\n%s", want, m.html)
		}
	}
}

func TestNotifyQuotaReached_DecemberRollsYear(t *testing.T) {
	sender := &recordingSender{}
	svc, _ := NewServiceWithSender(sender, "ops@example.com")

	n := notice()
	n.Month = time.December
	if err := svc.NotifyQuotaReached(context.Background(), n); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(sender.sent[0].text, "2027-01-01") {
		t.Errorf("text body = %q", sender.sent[0].text)
	}
}

func TestNotifyQuotaReached_NoOperator(t *testing.T) {
	sender := &recordingSender{}
	svc, _ := NewServiceWithSender(sender, "")

	if err := svc.NotifyQuotaReached(context.Background(), notice()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages without an operator", len(sender.sent))
	}
}

func TestNotifyQuotaReached_SendError(t *testing.T) {
	sender := &recordingSender{err: errors.New("connection refused")}
	svc, _ := NewServiceWithSender(sender, "ops@example.com")

	if err := svc.NotifyQuotaReached(context.Background(), notice()); err == nil {
		t.Fatal("expected send error")
	}
}

func TestNewService_DisabledUsesNoOp(t *testing.T) {
	svc, err := NewService(config.EmailConfig{Enabled: false, Operator: "ops@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := svc.sender.(*NoOpSender); !ok {
		t.Fatalf("sender = %T, want *NoOpSender", svc.sender)
	}
	if err := svc.NotifyQuotaReached(context.Background(), notice()); err != nil {
		t.Fatalf("no-op notify: %v", err)
	}
}

func TestBuildMessage_Multipart(t *testing.T) {
	date := time.Date(2026, 3, 17, 9, 30, 0, 0, time.UTC)
	raw, err := buildMessage("bot@example.com", "ops@example.com", "Quota reached", "plain body", "<p>html body</p>", date)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got := msg.Header.Get("To"); got != "ops@example.com" {
		t.Errorf("To = %q", got)
	}
	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/alternative" {
		t.Fatalf("Content-Type = %q (%v)", msg.Header.Get("Content-Type"), err)
	}

	mr := multipart.NewReader(msg.Body, params["boundary"])
	var bodies []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(p)
		bodies = append(bodies, p.Header.Get("Content-Type")+"|"+string(b))
	}
	if len(bodies) != 2 {
		t.Fatalf("parts = %v", bodies)
	}
	if !strings.HasPrefix(bodies[0], "text/plain") || !strings.HasSuffix(bodies[0], "plain body") {
		t.Errorf("text part = %q", bodies[0])
	}
	if !strings.HasPrefix(bodies[1], "text/html") || !strings.HasSuffix(bodies[1], "<p>html body</p>") {
		t.Errorf("html part = %q", bodies[1])
	}
}

func TestBuildMessage_PlainOnly(t *testing.T) {
	raw, err := buildMessage("bot@example.com", "ops@example.com", "Hi", "just text", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if ct := msg.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(msg.Body)
	if strings.TrimSpace(string(body)) != "just text" {
		t.Errorf("body = %q", body)
	}
}
