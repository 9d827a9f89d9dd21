package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
)

// ErrNoRecipients 邮件没有可投递的收件人。
var ErrNoRecipients = errors.New("mailer: no recipients")

// SMTPSender 通过上游 SMTP 中继投递出站邮件。
type SMTPSender struct {
	address  string
	username string
	password string
	from     string
	log      *zap.Logger
}

// NewSMTPSender 创建 SMTP 投递器。
func NewSMTPSender(cfg config.SMTPConfig, log *zap.Logger) *SMTPSender {
	return &SMTPSender{
		address:  cfg.Address,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
		log:      log,
	}
}

// Send 投递一封邮件。投递是同步的，调用方负责超时上下文。
func (s *SMTPSender) Send(ctx context.Context, message *domain.Message) error {
	from := message.From
	if from == "" {
		from = s.from
	}

	recipients := decodeAddressList(message.To)
	recipients = append(recipients, decodeAddressList(message.Cc)...)
	if len(recipients) == 0 {
		return ErrNoRecipients
	}

	body, err := buildRFC822(from, message)
	if err != nil {
		return err
	}

	var auth sasl.Client
	if s.username != "" {
		auth = sasl.NewPlainClient("", s.username, s.password)
	}

	done := make(chan error, 1)
	go func() {
		done <- gosmtp.SendMail(s.address, auth, from, recipients, bytes.NewReader(body))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			s.log.Warn("smtp delivery failed",
				zap.String("message_id", message.ID),
				zap.String("relay", s.address),
				zap.Error(err),
			)
			return fmt.Errorf("smtp send: %w", err)
		}
	}

	s.log.Info("smtp delivery succeeded",
		zap.String("message_id", message.ID),
		zap.Int("recipients", len(recipients)),
	)
	return nil
}

// decodeAddressList 解开 JSON 序列化的地址列表，容忍旧数据里的裸地址。
func decodeAddressList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return []string{raw}
	}
	out := list[:0]
	for _, addr := range list {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}

// buildRFC822 构造最小的 RFC 822 报文。
func buildRFC822(from string, message *domain.Message) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\r\n", name, value)
		}
	}

	writeHeader("From", from)
	writeHeader("To", strings.Join(decodeAddressList(message.To), ", "))
	writeHeader("Cc", strings.Join(decodeAddressList(message.Cc), ", "))
	writeHeader("Subject", message.Subject)
	writeHeader("Message-ID", message.MessageIDHeader)
	writeHeader("In-Reply-To", message.InReplyTo)
	writeHeader("References", message.References)
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", `text/plain; charset="utf-8"`)

	buf.WriteString("\r\n")
	buf.WriteString(message.Snippet)
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
