package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"connectflow/pkg/step"
	"connectflow/services/workflow"
)

const (
	gmailHost = "smtp.gmail.com"
	gmailPort = 587
)

// SMTPServer is where and as whom a message is submitted.
type SMTPServer struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool // implicit TLS; otherwise STARTTLS is required
}

// Email is an HTML message.
type Email struct {
	From    string
	To      []string
	Cc      []string
	Bcc     []string
	Subject string
	HTML    string
}

// Mailer submits messages over SMTP and returns the Message-ID.
type Mailer interface {
	Send(ctx context.Context, server SMTPServer, email Email) (string, error)
}

// SMTPMailer is a Mailer backed by go-mail.
type SMTPMailer struct {
	Timeout time.Duration
}

func NewSMTPMailer() *SMTPMailer {
	return &SMTPMailer{Timeout: 30 * time.Second}
}

func (m *SMTPMailer) Send(ctx context.Context, server SMTPServer, email Email) (string, error) {
	msg := mail.NewMsg()
	if err := msg.From(email.From); err != nil {
		return "", step.NonRetriable(fmt.Errorf("invalid from address: %w", err))
	}
	if err := msg.To(email.To...); err != nil {
		return "", step.NonRetriable(fmt.Errorf("invalid to address: %w", err))
	}
	if len(email.Cc) > 0 {
		if err := msg.Cc(email.Cc...); err != nil {
			return "", step.NonRetriable(fmt.Errorf("invalid cc address: %w", err))
		}
	}
	if len(email.Bcc) > 0 {
		if err := msg.Bcc(email.Bcc...); err != nil {
			return "", step.NonRetriable(fmt.Errorf("invalid bcc address: %w", err))
		}
	}
	msg.Subject(email.Subject)
	msg.SetBodyString(mail.TypeTextHTML, email.HTML)
	msg.SetMessageID()

	opts := []mail.Option{
		mail.WithPort(server.Port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(server.Username),
		mail.WithPassword(server.Password),
		mail.WithTimeout(m.Timeout),
	}
	if server.SSL {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	client, err := mail.NewClient(server.Host, opts...)
	if err != nil {
		return "", step.NonRetriable(fmt.Errorf("create smtp client: %w", err))
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		var sendErr *mail.SendError
		if errors.As(err, &sendErr) && !sendErr.IsTemp() {
			return "", &ProviderError{Provider: "smtp", Msg: sendErr.Error(), Permanent: true}
		}
		return "", fmt.Errorf("send mail: %w", err)
	}

	var id string
	if ids := msg.GetGenHeader(mail.HeaderMessageID); len(ids) > 0 {
		id = ids[0]
	}
	return id, nil
}

// mailFields are the templated fields shared by the mail nodes.
type mailFields struct {
	name    string
	to      []string
	subject string
	body    string
}

func readMailFields(cfg config) (mailFields, error) {
	var f mailFields
	var err error
	if f.name, err = cfg.variableName(); err != nil {
		return f, err
	}
	if _, err = cfg.require("credentialId"); err != nil {
		return f, err
	}
	to, err := cfg.renderRequired("to")
	if err != nil {
		return f, err
	}
	f.to = splitAddresses(to)
	if f.subject, err = cfg.renderRequired("subject"); err != nil {
		return f, err
	}
	if f.body, err = cfg.renderRequired("body"); err != nil {
		return f, err
	}
	return f, nil
}

func splitAddresses(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func mailResult(messageID string, to []string) map[string]any {
	return map[string]any{
		"success":   true,
		"messageId": messageID,
		"to":        strings.Join(to, ", "),
	}
}

// gmail sends through Gmail with an app password and stores
// {success, messageId, to}.
type gmail struct {
	creds  CredentialStore
	mailer Mailer
}

func (e *gmail) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		cfg := configOf(req)
		f, err := readMailFields(cfg)
		if err != nil {
			return workflow.Context{}, err
		}

		cred, err := cfg.credential(ctx, e.creds)
		if err != nil {
			return workflow.Context{}, err
		}
		from, password := cred.String("email"), cred.String("appPassword")
		if from == "" || password == "" {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "credentialId", "is missing email or appPassword")
		}

		server := SMTPServer{Host: gmailHost, Port: gmailPort, Username: from, Password: password}
		email := Email{From: from, To: f.to, Subject: f.subject, HTML: f.body}
		id, err := step.Do(ctx, req.Steps, "gmail-send", func(ctx context.Context) (string, error) {
			return e.mailer.Send(ctx, server, email)
		})
		if err != nil {
			return workflow.Context{}, err
		}
		return req.Context.With(f.name, mailResult(id, f.to)), nil
	})
}

// customMail sends through the SMTP server named by the credential and stores
// {success, messageId, to}.
type customMail struct {
	creds  CredentialStore
	mailer Mailer
}

func (e *customMail) Execute(ctx context.Context, req workflow.Request) (workflow.Context, error) {
	return withStatus(ctx, req, func() (workflow.Context, error) {
		cfg := configOf(req)
		f, err := readMailFields(cfg)
		if err != nil {
			return workflow.Context{}, err
		}
		cc, err := cfg.renderOptional("cc")
		if err != nil {
			return workflow.Context{}, err
		}
		bcc, err := cfg.renderOptional("bcc")
		if err != nil {
			return workflow.Context{}, err
		}

		cred, err := cfg.credential(ctx, e.creds)
		if err != nil {
			return workflow.Context{}, err
		}
		server := SMTPServer{
			Host:     cred.String("smtpHost"),
			Port:     cred.Int("smtpPort", 587),
			Username: cred.String("smtpUser"),
			Password: cred.String("smtpPassword"),
			SSL:      cred.Bool("secure"),
		}
		if server.Host == "" || server.Username == "" || server.Password == "" {
			return workflow.Context{}, workflow.Invalid(req.NodeID, req.NodeType, "credentialId", "is missing smtpHost, smtpUser or smtpPassword")
		}

		email := Email{
			From:    server.Username,
			To:      f.to,
			Cc:      splitAddresses(cc),
			Bcc:     splitAddresses(bcc),
			Subject: f.subject,
			HTML:    f.body,
		}
		id, err := step.Do(ctx, req.Steps, "custom-mail-send", func(ctx context.Context) (string, error) {
			return e.mailer.Send(ctx, server, email)
		})
		if err != nil {
			return workflow.Context{}, err
		}
		return req.Context.With(f.name, mailResult(id, f.to)), nil
	})
}
