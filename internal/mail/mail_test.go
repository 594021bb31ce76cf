package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestNewPicksSender(t *testing.T) {
	tests := []struct {
		name    string
		cfg     SMTPConfig
		wantLog bool
	}{
		{"empty", SMTPConfig{}, true},
		{"host only", SMTPConfig{Host: "smtp.example.com"}, true},
		{"host and user", SMTPConfig{Host: "smtp.example.com", Username: "bot@example.com"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, isLog := New(tt.cfg).(LogSender)
			if isLog != tt.wantLog {
				t.Errorf("LogSender = %v, want %v", isLog, tt.wantLog)
			}
		})
	}
}

func TestSMTPSenderSend(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Username: "bot@example.com", Password: "secret"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	if err := s.Send(context.Background(), "cand@example.com", "Code", "Your code is 123456."); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if gotFrom != "bot@example.com" {
		t.Errorf("from = %q, want the username as default", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "cand@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	if !strings.Contains(string(gotMsg), "Your code is 123456.") {
		t.Errorf("message body missing: %s", gotMsg)
	}

	s.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	if err := s.Send(context.Background(), "cand@example.com", "Code", "x"); err == nil {
		t.Error("expected relay error to be returned")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "cand@example.com", "Code", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBuildMessage(t *testing.T) {
	date := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	msg := string(buildMessage("a@example.com", "b@example.com", "Код", "line1\nline2", date))

	for _, want := range []string{
		"From: a@example.com\r\n",
		"To: b@example.com\r\n",
		"Subject: =?utf-8?q?",
		"Content-Type: text/plain; charset=utf-8\r\n",
		"\r\n\r\nline1\r\nline2\r\n",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}
