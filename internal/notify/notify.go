// Package notify posts run results to the places people watch: a chat
// webhook, plain e-mail, and the CI server that runs the weekly tests.
// Every sender honors a disable switch that logs the message instead of
// delivering it, so dry runs never spam anyone. Nothing here is retried;
// callers decide what a failed notification is worth.
package notify

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Notifier delivers one-shot notifications.
type Notifier struct {
	client  *http.Client
	logger  *slog.Logger
	disable bool
}

// New returns a Notifier. With disable set, every send becomes a log line.
func New(disable bool) *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  slog.With("component", "notify"),
		disable: disable,
	}
}

type webhookPayload struct {
	Text string `json:"text"`
}

// PostWebhook delivers text to a chat webhook as a {"text": ...} payload.
func (n *Notifier) PostWebhook(ctx context.Context, webhookURL, text string) error {
	if n.disable {
		n.logger.Info("Disabled posting to webhook", "text", text)
		return nil
	}

	payload, err := json.Marshal(webhookPayload{Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post to webhook: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify: webhook returned %s", resp.Status)
	}
	return nil
}

// Mail is one plain-text e-mail sent through an open SMTP relay.
type Mail struct {
	// Host is the SMTP relay, host:port.
	Host string

	// From is the sender address, used for From and, with BccSender, Bcc.
	From string

	// To lists the recipient addresses.
	To []string

	Subject string
	Message string

	// BccSender blind-copies the sender so the run's originator keeps a
	// record of what went out.
	BccSender bool
}

// SendMail delivers m. The relay is spoken to without authentication, the
// way an internal submission host expects.
func (n *Notifier) SendMail(ctx context.Context, m Mail) error {
	if n.disable {
		n.logger.Info("Disabled sending mail", "to", m.To, "subject", m.Subject)
		return nil
	}

	recipients := m.recipients()
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", m.Host)
	if err != nil {
		return fmt.Errorf("failed to dial SMTP host: %w", err)
	}

	host, _, err := net.SplitHostPort(m.Host)
	if err != nil {
		host = m.Host
	}
	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to greet SMTP host: %w", err)
	}
	defer client.Close()

	if err := client.Mail(m.From); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to send mail: %w", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	if _, err := w.Write([]byte(m.message())); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return client.Quit()
}

// recipients returns the envelope recipients, appending the sender once
// when BccSender is set.
func (m Mail) recipients() []string {
	recipients := append([]string(nil), m.To...)
	if !m.BccSender {
		return recipients
	}
	for _, rcpt := range recipients {
		if rcpt == m.From {
			return recipients
		}
	}
	return append(recipients, m.From)
}

// message renders the RFC 5322 text: headers, blank line, body.
func (m Mail) message() string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "Subject: %s\r\n", m.Subject)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(m.To, ", "))
	if m.BccSender {
		fmt.Fprintf(&b, "Bcc: %s\r\n", m.From)
	}
	b.WriteString("\r\n")
	b.WriteString(m.Message)
	return b.String()
}

// Trigger describes one CI build to kick off.
type Trigger struct {
	// URL is the build endpoint.
	URL string

	// JobToken is the job's own trigger token, sent as a form parameter.
	JobToken string

	// User and AuthFile authenticate the request: basic auth with the
	// first line of AuthFile as the password.
	User     string
	AuthFile string

	// Params are additional form parameters (branch, originator, ...).
	Params map[string]string
}

// TriggerBuild posts the trigger form to the CI server.
func (n *Notifier) TriggerBuild(ctx context.Context, t Trigger) error {
	if n.disable {
		n.logger.Info("Disabled triggering build", "url", t.URL)
		return nil
	}

	token, err := readToken(t.AuthFile)
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("token", t.JobToken)
	for key, value := range t.Params {
		form.Set(key, value)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build trigger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.User, token)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to trigger build: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("notify: trigger returned %s", resp.Status)
	}
	return nil
}

// readToken reads the first line of an auth token file.
func readToken(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to read auth token: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read auth token: %w", err)
		}
		return "", fmt.Errorf("notify: auth token file %q is empty", path)
	}
	return strings.TrimSpace(scanner.Text()), nil
}

// drain finishes a response body so the connection can be reused.
func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
