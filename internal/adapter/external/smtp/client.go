package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// Message is one outgoing mail
type Message struct {
	Subject    string
	TextBody   string
	HTMLBody   string
	Recipients []string // empty = configured recipients
}

// Client handles SMTP email sending
type Client struct {
	config *Config
	logger *slog.Logger
}

// Config holds SMTP client configuration
type Config struct {
	Host       string
	Port       int
	Security   string // tls, starttls, ssl, none
	FromEmail  string
	Username   string
	Password   string
	Recipients []string
	Timeout    time.Duration
}

// NewClient creates a new SMTP client
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Security == "" {
		cfg.Security = "tls"
	}
	return &Client{
		config: &cfg,
		logger: logger,
	}
}

// IsConfigured returns true if a relay host is set
func (c *Client) IsConfigured() bool {
	return c.config != nil && c.config.Host != ""
}

// Recipients returns the default recipients
func (c *Client) Recipients() []string {
	if c.config == nil {
		return nil
	}
	return c.config.Recipients
}

// TestConnection dials, negotiates TLS and authenticates without sending
func (c *Client) TestConnection(ctx context.Context) error {
	client, closeConn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeConn()
	c.logger.Info("SMTP connection test successful", "host", c.config.Host, "port", c.config.Port)
	return client.Quit()
}

// Send delivers one message
func (c *Client) Send(ctx context.Context, msg Message) error {
	if !c.IsConfigured() {
		return fmt.Errorf("SMTP not configured")
	}

	recipients := msg.Recipients
	if len(recipients) == 0 {
		recipients = c.config.Recipients
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	client, closeConn, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer closeConn()

	if err := client.Mail(c.config.FromEmail); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(strings.TrimSpace(rcpt)); err != nil {
			return fmt.Errorf("failed to add recipient %s: %w", rcpt, err)
		}
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := wc.Write(c.buildMessage(msg, recipients)); err != nil {
		wc.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	c.logger.Info("Email sent", "subject", msg.Subject, "recipients", len(recipients))
	return client.Quit()
}

// open dials the relay, upgrades the session per Security and logs in.
// The returned func closes both the client and the connection.
func (c *Client) open(ctx context.Context) (*smtp.Client, func(), error) {
	if c.config.Host == "" {
		return nil, nil, fmt.Errorf("SMTP host not configured")
	}

	addr := net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
	security := strings.ToLower(c.config.Security)
	dialer := net.Dialer{Timeout: c.config.Timeout}

	var conn net.Conn
	var err error
	switch security {
	case "ssl", "implicit":
		conn, err = tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: c.config.Host})
	default:
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.config.Host)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}
	closeConn := func() {
		client.Close()
		conn.Close()
	}

	if security == "tls" || security == "starttls" {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: c.config.Host}); err != nil {
				closeConn()
				return nil, nil, fmt.Errorf("STARTTLS failed: %w", err)
			}
		} else if security == "starttls" {
			closeConn()
			return nil, nil, fmt.Errorf("server does not support STARTTLS")
		}
	}

	if c.config.Username != "" {
		if err := c.authenticate(client); err != nil {
			closeConn()
			return nil, nil, err
		}
	}
	return client, closeConn, nil
}

// authenticate tries LOGIN first (Office365 requires it), then PLAIN
func (c *Client) authenticate(client *smtp.Client) error {
	ok, methods := client.Extension("AUTH")
	if !ok {
		return fmt.Errorf("no supported authentication method")
	}
	c.logger.Debug("Server auth methods", "methods", methods)

	var authErr error
	if strings.Contains(methods, "LOGIN") {
		if authErr = client.Auth(LoginAuth(c.config.Username, c.config.Password)); authErr == nil {
			return nil
		}
		c.logger.Debug("LOGIN auth failed", "error", authErr)
	}
	if strings.Contains(methods, "PLAIN") {
		if authErr = client.Auth(smtp.PlainAuth("", c.config.Username, c.config.Password, c.config.Host)); authErr == nil {
			return nil
		}
		c.logger.Debug("PLAIN auth failed", "error", authErr)
	}
	if authErr != nil {
		return fmt.Errorf("authentication failed: %w", authErr)
	}
	return fmt.Errorf("no supported authentication method")
}

const boundary = "==ORCHESTRA_BOUNDARY=="

// buildMessage builds a MIME email message
func (c *Client) buildMessage(m Message, recipients []string) []byte {
	var msg strings.Builder

	fmt.Fprintf(&msg, "From: Orchestra <%s>\r\n", c.config.FromEmail)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")

	if m.HTMLBody == "" {
		msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
		msg.WriteString(m.TextBody)
		return []byte(msg.String())
	}

	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(m.TextBody)
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	msg.WriteString(m.HTMLBody)
	msg.WriteString("\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return []byte(msg.String())
}

type loginAuth struct {
	username, password string
}

// LoginAuth returns an Auth that implements the LOGIN mechanism
func LoginAuth(username, password string) smtp.Auth {
	return &loginAuth{username, password}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch string(fromServer) {
	case "Username:":
		return []byte(a.username), nil
	case "Password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unknown server challenge: %s", fromServer)
	}
}
