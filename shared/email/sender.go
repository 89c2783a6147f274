package email

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"

	"titleforge/internal/models"
	"titleforge/shared/config"
)

//go:embed report.html
var reportTemplate string

var reportTmpl = template.Must(template.New("report").Parse(reportTemplate))

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Sender struct {
	config   *config.EmailConfig
	sendMail sendFunc
}

func NewSender(cfg *config.EmailConfig) *Sender {
	return &Sender{
		config:   cfg,
		sendMail: smtp.SendMail,
	}
}

// SendChannelReport mails the title recommendations. An empty report is not sent.
func (s *Sender) SendChannelReport(report *models.ChannelReport) error {
	if report == nil {
		return errors.New("report cannot be nil")
	}
	if len(report.Titles) == 0 {
		return nil
	}

	subject := fmt.Sprintf("Title Recommendations - %s, %d Videos (%s)",
		report.Channel, len(report.Titles), report.Date.Format("Jan 2, 2006"))

	body, err := renderReport(report)
	if err != nil {
		return fmt.Errorf("failed to generate email body: %w", err)
	}
	return s.SendHTML(subject, body)
}

// SendHTML sends an email with custom HTML content
func (s *Sender) SendHTML(subject, htmlBody string) error {
	auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.SMTPServer)

	to := []string{s.config.ToEmail}
	msg := []byte(fmt.Sprintf(`To: %s
From: %s
Subject: %s
MIME-Version: 1.0
Content-Type: text/html; charset=UTF-8

%s`, s.config.ToEmail, s.config.FromEmail, subject, htmlBody))

	addr := fmt.Sprintf("%s:%d", s.config.SMTPServer, s.config.SMTPPort)
	return s.sendMail(addr, auth, s.config.FromEmail, to, msg)
}

func renderReport(report *models.ChannelReport) (string, error) {
	var buf bytes.Buffer
	if err := reportTmpl.Execute(&buf, report); err != nil {
		return "", err
	}
	return buf.String(), nil
}
