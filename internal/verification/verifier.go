// SPDX-FileCopyrightText: (C) 2025 Qabel GmbH
// SPDX-License-Identifier: Apache 2.0

// Package verification composes and delivers the confirm-or-deny challenges
// a user must complete at the side channel (mail address, phone number)
// being registered or removed.
//
// Validation checks whether data matches the data model; verification is an
// action the user needs to complete to confirm a request. The outcome always
// arrives as an HTTP request later: a link in a mail is clicked, or the
// review page form is submitted.
package verification

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"embed"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// URLBuilder turns a server-relative path into an absolute URL. The
// dispatcher does not know the host it is served under.
type URLBuilder func(path string) string

// ConfirmURL returns the one-click confirmation URL for a challenge id.
func ConfirmURL(build URLBuilder, id string) string {
	return build("/verify/" + id + "/confirm/")
}

// DenyURL returns the one-click denial URL for a challenge id.
func DenyURL(build URLBuilder, id string) string {
	return build("/verify/" + id + "/deny/")
}

// ReviewURL returns the review page URL for a challenge id.
func ReviewURL(build URLBuilder, id string) string {
	return build("/verify/" + id + "/")
}

// Challenge is everything needed to compose one verification message.
type Challenge struct {
	ShortID string

	// Identity triplet of the request being confirmed.
	Alias     string
	PublicKey string
	DropURL   string

	Action string // create or delete
	Field  string // email or phone
	Value  string // canonical value, also the delivery address
}

type templateContext struct {
	Alias      string
	PublicKey  string
	Action     string
	Field      string
	Value      string
	ConfirmURL string
	DenyURL    string
	ReviewURL  string
}

func (c Challenge) context(build URLBuilder) templateContext {
	return templateContext{
		Alias:      c.Alias,
		PublicKey:  c.PublicKey,
		Action:     c.Action,
		Field:      c.Field,
		Value:      c.Value,
		ConfirmURL: ConfirmURL(build, c.ShortID),
		DenyURL:    DenyURL(build, c.ShortID),
		ReviewURL:  ReviewURL(build, c.ShortID),
	}
}

// Dispatcher routes challenges to the configured transports.
type Dispatcher struct {
	Mailer    Mailer
	SMSSender SMSSender
	BuildURL  URLBuilder
}

// Dispatch sends the challenge via the channel matching its field.
func (d *Dispatcher) Dispatch(challenge Challenge) error {
	switch challenge.Field {
	case "email":
		mail, err := d.composeMail(challenge)
		if err != nil {
			return err
		}
		return d.Mailer.SendMail(*mail)
	case "phone":
		sms, err := d.composeSMS(challenge)
		if err != nil {
			return err
		}
		return d.SMSSender.SendSMS(*sms)
	}
	return fmt.Errorf("no verifier for field %q", challenge.Field)
}

func (d *Dispatcher) composeMail(challenge Challenge) (*Mail, error) {
	context := challenge.context(d.BuildURL)
	var text, html bytes.Buffer
	if err := templates.ExecuteTemplate(&text, "email.txt.tmpl", context); err != nil {
		return nil, err
	}
	if err := templates.ExecuteTemplate(&html, "email.html.tmpl", context); err != nil {
		return nil, err
	}
	return &Mail{
		To:      challenge.Value,
		Subject: "Qabel Index Bestätigung / confirmation",
		Text:    text.String(),
		HTML:    html.String(),
	}, nil
}

func (d *Dispatcher) composeSMS(challenge Challenge) (*SMS, error) {
	context := challenge.context(d.BuildURL)
	var body bytes.Buffer
	if err := templates.ExecuteTemplate(&body, "sms.txt.tmpl", context); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(body.String())
	if len(text) > 160 {
		return nil, fmt.Errorf("SMS body too long: %d characters", len(text))
	}
	return &SMS{To: challenge.Value, Body: text}, nil
}
