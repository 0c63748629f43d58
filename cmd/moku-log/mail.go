// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"time"

	mail "gopkg.in/gomail.v2"

	"github.com/go-lpc/moku/config"
)

// alertMailPwd is the password of the alert mail account.
var alertMailPwd = os.Getenv("MOKU_MAIL_PASSWORD")

// alert mails the failure of a session to the configured recipients.
func alert(cfg config.Config, err error) {
	if len(cfg.Mail.To) == 0 {
		return
	}
	msg := newAlert(cfg, err, time.Now())

	dial := mail.NewDialer(cfg.Mail.Server, cfg.Mail.Port, cfg.Mail.User, alertMailPwd)
	dial.TLSConfig = &tls.Config{
		ServerName:         cfg.Mail.Server,
		InsecureSkipVerify: true,
	}
	e := dial.DialAndSend(msg)
	if e != nil {
		log.Printf("could not send mail alert: %+v", e)
	}
}

func newAlert(cfg config.Config, err error, now time.Time) *mail.Message {
	msg := mail.NewMessage()
	msg.SetHeader("From", cfg.Mail.From)
	msg.SetHeader("Bcc", cfg.Mail.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[moku-log] session failure on %q", cfg.Device.Addr))
	msg.SetDateHeader("Date", now)
	msg.SetBody("text/plain", fmt.Sprintf("device: %q\ntime:   %v\nerror:  %+v\n",
		cfg.Device.Addr, now.UTC().Format(time.RFC3339), err,
	))
	return msg
}
