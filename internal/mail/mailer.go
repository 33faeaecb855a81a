package mail

import (
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	logx "tgwatch/pkg/logx"
)

// Error taxonomy, distinguished for logging only: the caller reacts the same
// way to all of them (log and continue).
var (
	ErrAuth    = errors.New("smtp authentication failed")
	ErrConnect = errors.New("smtp connect failed")
	ErrDeliver = errors.New("mail delivery failed")
)

type Config struct {
	Host string
	// Port overrides the preferred profile's standard port when it is neither
	// 465 nor 587 (operators running SMTPS on a custom port).
	Port int
	User string
	Pass string
	To   []string

	// PreferSTARTTLS flips the profile order: try plaintext-then-upgrade (587)
	// before encrypted-from-connect (465).
	PreferSTARTTLS bool

	// Timeout bounds a single profile attempt (dial + handshake + send).
	Timeout time.Duration
}

// profile is one way of reaching the SMTP server.
type profile struct {
	name        string
	port        int
	implicitTLS bool
}

// Mailer sends fixed-format notifications over SMTP, trying an ordered list
// of delivery profiles and stopping at the first success.
type Mailer struct {
	cfg      Config
	log      logx.Logger
	profiles []profile
}

func New(cfg Config, log logx.Logger) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("recipient list is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Mailer{cfg: cfg, log: log, profiles: profilesFor(cfg)}, nil
}

// profilesFor builds the ordered attempt list. The second profile is tried
// only when the first fails with a transport or protocol error.
func profilesFor(cfg Config) []profile {
	ps := []profile{
		{name: "smtps", port: 465, implicitTLS: true},
		{name: "starttls", port: 587},
	}
	if cfg.PreferSTARTTLS {
		ps[0], ps[1] = ps[1], ps[0]
	}
	if cfg.Port != 0 && cfg.Port != 465 && cfg.Port != 587 {
		ps[0].port = cfg.Port
	}
	return ps
}

// Send delivers one message to the configured recipients. It attempts each
// delivery profile in order and returns nil on the first success; after all
// profiles are exhausted it returns the last error, wrapped with ErrAuth,
// ErrConnect or ErrDeliver.
func (m *Mailer) Send(subject, body string) error {
	msg := m.buildMessage(subject, body)

	var lastErr error
	for _, p := range m.profiles {
		err := m.sendVia(p, msg)
		if err == nil {
			m.log.Debug("mail sent", logx.String("profile", p.name), logx.String("subject", subject))
			return nil
		}
		lastErr = err
		m.log.Warn("delivery profile failed",
			logx.String("profile", p.name),
			logx.String("addr", net.JoinHostPort(m.cfg.Host, strconv.Itoa(p.port))),
			logx.Err(err),
		)
	}
	return lastErr
}

func (m *Mailer) sendVia(p profile, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(p.port))
	d := net.Dialer{Timeout: m.cfg.Timeout}

	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrConnect, addr, err)
	}
	// Bound the whole SMTP conversation, not just the dial.
	_ = conn.SetDeadline(time.Now().Add(m.cfg.Timeout))

	if p.implicitTLS {
		conn = tls.Client(conn, &tls.Config{ServerName: m.cfg.Host})
	}

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: handshake %s: %v", ErrConnect, addr, err)
	}
	defer c.Close()

	if !p.implicitTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return fmt.Errorf("%w: %s does not offer STARTTLS", ErrDeliver, addr)
		}
		if err := c.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("%w: starttls: %v", ErrDeliver, err)
		}
	}

	if m.cfg.User != "" {
		auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
	}

	if err := c.Mail(m.cfg.User); err != nil {
		return fmt.Errorf("%w: mail from: %v", ErrDeliver, err)
	}
	for _, rcpt := range m.cfg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("%w: rcpt %s: %v", ErrDeliver, rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("%w: data: %v", ErrDeliver, err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("%w: write: %v", ErrDeliver, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", ErrDeliver, err)
	}
	return c.Quit()
}

// buildMessage renders a plain-text UTF-8 message. The subject is Q-encoded
// so CJK subjects survive transport.
func (m *Mailer) buildMessage(subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + m.cfg.User + "\r\n")
	b.WriteString("To: " + strings.Join(m.cfg.To, ", ") + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
