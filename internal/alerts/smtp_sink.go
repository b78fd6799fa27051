package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/ncecere/metering_gateway/internal/config"
)

// SMTPSink emails notifications to the account holder.
type SMTPSink struct {
	cfg config.SMTPConfig
}

// NewSMTPSink returns nil when the server or credentials are missing, which
// leaves delivery to the log sink.
func NewSMTPSink(cfg config.SMTPConfig) Sink {
	if strings.TrimSpace(cfg.Host) == "" || cfg.Port == 0 || strings.TrimSpace(cfg.From) == "" {
		return nil
	}
	if strings.TrimSpace(cfg.Username) == "" || cfg.Password == "" {
		return nil
	}
	return &SMTPSink{cfg: cfg}
}

func (s *SMTPSink) Notify(ctx context.Context, msg Message) error {
	if s == nil {
		return nil
	}
	rcpt := strings.TrimSpace(msg.Email)
	if rcpt == "" {
		return nil
	}

	payload := buildEmailMessage(s.cfg.From, s.cfg.FromName, rcpt, msg)
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	client, err := s.newClient(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Mail(s.cfg.From); err != nil {
		client.Quit()
		return err
	}
	if err := client.Rcpt(rcpt); err != nil {
		client.Quit()
		return err
	}
	wc, err := client.Data()
	if err != nil {
		client.Quit()
		return err
	}
	if _, err := wc.Write(payload); err != nil {
		_ = wc.Close()
		client.Quit()
		return err
	}
	if err := wc.Close(); err != nil {
		client.Quit()
		return err
	}
	return client.Quit()
}

func (s *SMTPSink) newClient(ctx context.Context, addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	host := s.cfg.Host
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if s.cfg.UseTLS {
		tlsCfg := &tls.Config{ServerName: host, InsecureSkipVerify: s.cfg.SkipTLSVerify}
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsCfg); err != nil {
				client.Close()
				return nil, err
			}
		}
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	if err := client.Auth(auth); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func buildEmailMessage(from, fromName, to string, msg Message) []byte {
	sender := from
	if fromName != "" {
		sender = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", fromName), from)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(formatEmailBody(msg))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func formatEmailBody(msg Message) string {
	var b strings.Builder
	name := msg.Name
	if name == "" {
		name = msg.AccountID
	}
	fmt.Fprintf(&b, "Hello %s,\n\n", name)
	fmt.Fprintf(&b, "%s\n\n", msg.Body)
	fmt.Fprintf(&b, "Remaining tokens: %d\n", msg.Remaining)
	fmt.Fprintf(&b, "Usage: %.2f%%\n", msg.UsagePercent)
	if msg.TransactionID != 0 {
		fmt.Fprintf(&b, "Transaction: %d\n", msg.TransactionID)
	}
	fmt.Fprintf(&b, "Timestamp: %s\n", msg.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}
