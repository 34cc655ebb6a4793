// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

package verification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	gomail "github.com/wneessen/go-mail"
)

// Mail is a composed verification mail: plain-text body plus an HTML
// alternative.
type Mail struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// Mailer delivers verification mails. Implementations must not be assumed to
// be reliable; a lost challenge mail only means the request expires.
type Mailer interface {
	SendMail(mail Mail) error
}

// SMS is a composed verification SMS.
type SMS struct {
	To   string
	Body string
}

// SMSSender delivers verification SMS messages.
type SMSSender interface {
	SendSMS(sms SMS) error
}

// Outbox collects messages in memory. It backs tests and dry-run deployments.
type Outbox struct {
	mu    sync.Mutex
	Mails []Mail
	SMSes []SMS
}

func (o *Outbox) SendMail(mail Mail) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Mails = append(o.Mails, mail)
	return nil
}

func (o *Outbox) SendSMS(sms SMS) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.SMSes = append(o.SMSes, sms)
	return nil
}

// PopMail removes and returns the oldest mail, or nil.
func (o *Outbox) PopMail() *Mail {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.Mails) == 0 {
		return nil
	}
	mail := o.Mails[0]
	o.Mails = o.Mails[1:]
	return &mail
}

// PopSMS removes and returns the oldest SMS, or nil.
func (o *Outbox) PopSMS() *SMS {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.SMSes) == 0 {
		return nil
	}
	sms := o.SMSes[0]
	o.SMSes = o.SMSes[1:]
	return &sms
}

// SMTPMailer delivers mails through an SMTP relay.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) SendMail(mail Mail) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.From); err != nil {
		return fmt.Errorf("invalid from address %q: %w", m.From, err)
	}
	if err := msg.To(mail.To); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", mail.To, err)
	}
	msg.Subject(mail.Subject)
	msg.SetBodyString(gomail.TypeTextPlain, mail.Text)
	if mail.HTML != "" {
		msg.AddAlternativeString(gomail.TypeTextHTML, mail.HTML)
	}

	opts := []gomail.Option{gomail.WithPort(m.Port)}
	if m.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.Username),
			gomail.WithPassword(m.Password))
	}
	client, err := gomail.NewClient(m.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSend(msg)
}

// PlivoSender delivers SMS messages through the Plivo REST API.
type PlivoSender struct {
	AuthID    string
	AuthToken string
	From      string
	Client    *http.Client
}

func (p *PlivoSender) SendSMS(sms SMS) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	payload, err := json.Marshal(map[string]string{
		"src":  p.From,
		"dst":  sms.To,
		"text": sms.Body,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("https://api.plivo.com/v1/Account/%s/Message/", p.AuthID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(p.AuthID, p.AuthToken)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	}
	return fmt.Errorf("plivo send failed: status %d", resp.StatusCode)
}
