package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeFailure  AlertType = "sync_failure"
	AlertTypeRecovery AlertType = "sync_recovery"
	AlertTypeConflict AlertType = "conflicts"
)

// Alert represents a notification alert.
type Alert struct {
	Type           AlertType
	ConnectionID   string
	ConnectionName string
	UserEmail      string // Email of the user who owns the connection
	Message        string
	Details        string
	Timestamp      time.Time
}

// Config holds notification configuration.
type Config struct {
	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string

	// Email settings
	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string // Admin recipients, always included
	SMTPTLS      bool

	// FailureThreshold is how many consecutive failed passes a connection
	// needs before the first alert fires.
	FailureThreshold int

	// CooldownPeriod is how long to wait before re-alerting for the same
	// connection.
	CooldownPeriod time.Duration
}

// Notifier sends alert notifications for sync failures.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	mu             sync.RWMutex
	failureStreaks map[string]int       // Consecutive failed syncs per connection
	lastAlertTimes map[string]time.Time // Cooldown tracking per connection
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		failureStreaks: make(map[string]int),
		lastAlertTimes: make(map[string]time.Time),
	}
}

// ValidateConfig validates the notification configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if cfg.SMTPFrom == "" {
			return fmt.Errorf("SMTP from address is required when email is enabled")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}

	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Only allow HTTPS for webhooks
	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Block localhost, internal hostnames and private IPs to prevent SSRF
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("webhook URL cannot point to private IP addresses")
		}
	}

	return nil
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

// SyncFailed records a failed sync pass for a connection. An alert fires
// once the failure streak reaches the threshold, subject to the cooldown.
// Returns true if an alert was sent.
func (n *Notifier) SyncFailed(ctx context.Context, connectionID, connectionName, userEmail, errMsg string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.failureStreaks[connectionID]++
	streak := n.failureStreaks[connectionID]
	if streak < n.cfg.FailureThreshold {
		return false
	}

	lastAlert, exists := n.lastAlertTimes[connectionID]
	if exists && time.Since(lastAlert) < n.cfg.CooldownPeriod {
		return false
	}
	n.lastAlertTimes[connectionID] = time.Now()

	alert := Alert{
		Type:           AlertTypeFailure,
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		UserEmail:      userEmail,
		Message:        fmt.Sprintf("Connection '%s' is failing to sync", connectionName),
		Details:        fmt.Sprintf("%d consecutive failures. Last error: %s", streak, errMsg),
		Timestamp:      time.Now(),
	}

	// Send in background to not block the sync pass
	go n.send(ctx, alert)
	return true
}

// SyncRecovered records a successful sync pass. If the connection had an
// active failure streak past the threshold, a recovery alert is sent.
func (n *Notifier) SyncRecovered(ctx context.Context, connectionID, connectionName, userEmail string) bool {
	n.mu.Lock()
	streak := n.failureStreaks[connectionID]
	delete(n.failureStreaks, connectionID)
	delete(n.lastAlertTimes, connectionID)
	n.mu.Unlock()

	if streak < n.cfg.FailureThreshold {
		return false
	}

	alert := Alert{
		Type:           AlertTypeRecovery,
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		UserEmail:      userEmail,
		Message:        fmt.Sprintf("Connection '%s' has recovered", connectionName),
		Details:        fmt.Sprintf("Syncing normally again after %d failed attempts", streak),
		Timestamp:      time.Now(),
	}

	go n.send(ctx, alert)
	return true
}

// ConflictsRaised sends an alert when a sync pass raises new conflicts.
func (n *Notifier) ConflictsRaised(ctx context.Context, connectionID, connectionName, userEmail string, count int) bool {
	if count < 1 {
		return false
	}

	n.mu.Lock()
	key := connectionID + "/conflicts"
	lastAlert, exists := n.lastAlertTimes[key]
	if exists && time.Since(lastAlert) < n.cfg.CooldownPeriod {
		n.mu.Unlock()
		return false
	}
	n.lastAlertTimes[key] = time.Now()
	n.mu.Unlock()

	alert := Alert{
		Type:           AlertTypeConflict,
		ConnectionID:   connectionID,
		ConnectionName: connectionName,
		UserEmail:      userEmail,
		Message:        fmt.Sprintf("Connection '%s' has unresolved conflicts", connectionName),
		Details:        fmt.Sprintf("%d events were modified both locally and remotely and need review", count),
		Timestamp:      time.Now(),
	}

	go n.send(ctx, alert)
	return true
}

// ClearState clears the failure streak for a connection (used on deletion).
func (n *Notifier) ClearState(connectionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failureStreaks, connectionID)
	delete(n.lastAlertTimes, connectionID)
	delete(n.lastAlertTimes, connectionID+"/conflicts")
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert, n.cfg.WebhookURL); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.cfg.EmailEnabled {
		// Recipient list: connection owner + admin emails, deduplicated
		recipientSet := make(map[string]struct{})
		if alert.UserEmail != "" && isValidEmail(alert.UserEmail) {
			recipientSet[strings.ToLower(alert.UserEmail)] = struct{}{}
		}
		for _, email := range n.cfg.SMTPTo {
			recipientSet[strings.ToLower(email)] = struct{}{}
		}

		recipients := make([]string, 0, len(recipientSet))
		for email := range recipientSet {
			recipients = append(recipients, email)
		}

		if len(recipients) > 0 {
			if err := n.sendEmail(alert, recipients); err != nil {
				log.Printf("[Notify] Email error: %v", err)
			}
		}
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType      string `json:"alert_type"`
	ConnectionID   string `json:"connection_id"`
	ConnectionName string `json:"connection_name"`
	Message        string `json:"message"`
	Details        string `json:"details"`
	Timestamp      string `json:"timestamp"`
	// Slack-compatible field
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert, webhookURL string) error {
	emoji := ""
	switch alert.Type {
	case AlertTypeFailure:
		emoji = ":x:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeConflict:
		emoji = ":warning:"
	}

	payload := WebhookPayload{
		AlertType:      string(alert.Type),
		ConnectionID:   alert.ConnectionID,
		ConnectionName: alert.ConnectionName,
		Message:        alert.Message,
		Details:        alert.Details,
		Timestamp:      alert.Timestamp.Format(time.RFC3339),
		Text:           fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	// Sanitize user-controlled inputs to prevent email header injection
	sanitizedName := sanitizeForEmail(alert.ConnectionName)
	sanitizedMessage := sanitizeForEmail(alert.Message)
	sanitizedDetails := sanitizeForEmail(alert.Details)

	subject := fmt.Sprintf("[calsyncd] %s", sanitizedMessage)

	var body strings.Builder
	body.WriteString(fmt.Sprintf("Alert Type: %s\n", alert.Type))
	body.WriteString(fmt.Sprintf("Connection: %s\n", sanitizedName))
	body.WriteString(fmt.Sprintf("Connection ID: %s\n", alert.ConnectionID))
	body.WriteString(fmt.Sprintf("Time: %s\n\n", alert.Timestamp.Format(time.RFC1123)))
	body.WriteString(fmt.Sprintf("Message: %s\n", sanitizedMessage))
	body.WriteString(fmt.Sprintf("Details: %s\n", sanitizedDetails))

	to := strings.Join(recipients, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}

	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), sanitizedMessage)
	return nil
}

// sendEmailTLS sends email over implicit TLS (for port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}

// SendTestWebhook sends a test message to a webhook URL.
func (n *Notifier) SendTestWebhook(ctx context.Context, webhookURL string) error {
	if err := validateWebhookURL(webhookURL); err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	payload := WebhookPayload{
		AlertType:      "test",
		ConnectionID:   "test",
		ConnectionName: "Test",
		Message:        "Test webhook from calsyncd",
		Details:        "This is a test message to verify your webhook configuration",
		Timestamp:      time.Now().Format(time.RFC3339),
		Text:           ":rocket: *Test webhook from calsyncd*\nThis is a test message to verify your webhook configuration",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// ValidateWebhookURL validates that a webhook URL is safe to use.
func ValidateWebhookURL(webhookURL string) error {
	return validateWebhookURL(webhookURL)
}
