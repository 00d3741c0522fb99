package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/enzyme/linkpreview/internal/config"
)

type Sender interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	now      func() time.Time
}

func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		now:      time.Now,
	}
}

// Send delivers one message. The context bounds the whole SMTP exchange.
func (s *SMTPSender) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	msg, err := buildMessage(s.from, to, subject, textBody, htmlBody, s.now())
	if err != nil {
		return fmt.Errorf("building message: %w", err)
	}

	if err := s.deliver(ctx, to, msg); err != nil {
		slog.Error("failed to send email", "component", "email", "to", to, "error", err)
		return err
	}

	slog.Info("sent email", "component", "email", "to", to, "subject", subject)
	return nil
}

func (s *SMTPSender) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("closing body: %w", err)
	}
	return c.Quit()
}

func buildMessage(from, to, subject, textBody, htmlBody string, date time.Time) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if htmlBody == "" {
		buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
		buf.WriteString(textBody)
		buf.WriteString("\r\n")
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	for _, part := range []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=\"utf-8\"", textBody},
		{"text/html; charset=\"utf-8\"", htmlBody},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {part.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type NoOpSender struct{}

func (s *NoOpSender) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	slog.Debug("would send email", "component", "email", "to", to, "subject", subject)
	return nil
}
