package mail

import (
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

// MailerOptions describes the SMTP settings used for outbound email
type MailerOptions struct {
	Auth     smtp.Auth
	Logger   *zap.Logger
	Hostname string
	From     string
}

// Mailer sends transactional emails over SMTP
type Mailer struct {
	MailerOptions
}

func (o *MailerOptions) validate() error {
	if o.Auth == nil {
		return fmt.Errorf("nil Auth is invalid")
	}
	if o.Logger == nil {
		return fmt.Errorf("nil Logger is invalid")
	}
	if o.Hostname == "" {
		return fmt.Errorf("empty Hostname is invalid")
	}
	if o.From == "" {
		return fmt.Errorf("empty From is invalid")
	}
	return nil
}

// NewMailer returns a Mailer with the given options
func NewMailer(option MailerOptions) (*Mailer, error) {
	if err := option.validate(); err != nil {
		return nil, err
	}
	return &Mailer{
		MailerOptions: option,
	}, nil
}

func (m *Mailer) send(to, subject, body string) error {
	var msg strings.Builder
	msg.WriteString("From: " + m.From + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")
	return smtp.SendMail(m.Hostname, m.Auth, m.From, []string{to}, []byte(msg.String()))
}

// ConfirmationOption describes a payment confirmation email
type ConfirmationOption struct {
	To          string
	PlanName    string
	Amount      int64
	Currency    string
	ReceiptURL  string
	BillingType string
}

// SendPaymentConfirmation notifies the customer that a charge went through.
// Delivery failures are logged, not returned, so billing flows never block on SMTP.
func (m *Mailer) SendPaymentConfirmation(option ConfirmationOption) {
	body := fmt.Sprintf(
		"Thank you for your purchase!\r\n\r\n"+
			"Plan: %s (%s)\r\n"+
			"Amount: %.2f %s\r\n",
		option.PlanName,
		option.BillingType,
		float64(option.Amount)/100,
		strings.ToUpper(option.Currency),
	)
	if option.ReceiptURL != "" {
		body += fmt.Sprintf("\r\nYour receipt: %s\r\n", option.ReceiptURL)
	}
	if err := m.send(option.To, "Your payment confirmation", body); err != nil {
		m.Logger.Error("Unable to send payment confirmation",
			zap.String("To", option.To),
			zap.Error(err),
		)
	}
}

// SendAlert emails the operator about a billing event that needs manual review
func (m *Mailer) SendAlert(to, subject, body string) {
	if err := m.send(to, subject, body); err != nil {
		m.Logger.Error("Unable to send alert email",
			zap.String("To", to),
			zap.Error(err),
		)
	}
}
