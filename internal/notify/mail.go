// Copyright 2024 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	mail "gopkg.in/gomail.v2"

	"github.com/go-lpc/pixcal/calib"
)

var mailSend = func(d *mail.Dialer, msg *mail.Message) error {
	return d.DialAndSend(msg)
}

// Mail sends an e-mail alert for every notified run.
type Mail struct {
	srv  string
	port int
	usr  string
	pwd  string
	tgts []string
}

// NewMail returns a mail notifier sending alerts to tgts through the
// srv:port SMTP server.
// The password of usr is read from the MAIL_PASSWORD environment variable.
func NewMail(srv string, port int, usr string, tgts []string) (*Mail, error) {
	pwd := os.Getenv("MAIL_PASSWORD")
	if srv == "" || port == 0 || usr == "" || pwd == "" || len(tgts) == 0 {
		return nil, fmt.Errorf("notify: could not create mail alert: missing credentials")
	}
	return &Mail{
		srv:  srv,
		port: port,
		usr:  usr,
		pwd:  pwd,
		tgts: tgts,
	}, nil
}

func (m *Mail) Notify(ctx context.Context, sum *calib.Summary, err error) error {
	st := newStatus(sum, err)

	msg := mail.NewMessage()
	msg.SetHeader("From", m.usr)
	msg.SetHeader("Bcc", m.tgts...)
	msg.SetHeader("Subject", st.subject())
	msg.SetBody("text/plain", st.body())

	dial := mail.NewDialer(m.srv, m.port, m.usr, m.pwd)
	dial.TLSConfig = &tls.Config{
		ServerName: m.srv,
	}

	e := mailSend(dial, msg)
	if e != nil {
		return fmt.Errorf("notify: could not send mail alert: %w", e)
	}
	return nil
}

var _ calib.Notifier = (*Mail)(nil)
