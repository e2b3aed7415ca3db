package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Alert levels
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Alerter delivers operator alerts
type Alerter interface {
	Alert(level, title, message string)
}

// LogAlerter writes alerts to the structured log. The default channel.
type LogAlerter struct{}

// Alert logs the alert at its level
func (LogAlerter) Alert(level, title, message string) {
	event := log.Info()
	switch level {
	case LevelWarning:
		event = log.Warn()
	case LevelError:
		event = log.Error()
	}
	event.Str("title", title).Msg(message)
}

// WebhookAlerter POSTs alerts as JSON to a configured endpoint
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates an alerter for the given endpoint
func NewWebhookAlerter(url string) *WebhookAlerter {
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Level   string `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

// Alert delivers one alert. Failures are logged, never propagated; alerting
// must not take the sync pipeline down.
func (w *WebhookAlerter) Alert(level, title, message string) {
	payload, err := json.Marshal(webhookPayload{
		Level:   level,
		Title:   title,
		Message: message,
		Source:  "driftsync",
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode webhook alert")
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Str("url", w.url).Msg("Webhook alert delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Warn().Int("status", resp.StatusCode).Str("url", w.url).Msg("Webhook alert rejected")
	}
}

// Manager fans one alert out to every configured channel
type Manager struct {
	alerters []Alerter
}

// NewManager creates a manager with the given channels; with none
// configured it falls back to the log.
func NewManager(alerters ...Alerter) *Manager {
	if len(alerters) == 0 {
		alerters = []Alerter{LogAlerter{}}
	}
	return &Manager{alerters: alerters}
}

// Alert delivers to all channels
func (m *Manager) Alert(level, title, message string) {
	for _, alerter := range m.alerters {
		alerter.Alert(level, title, message)
	}
}

// Errorf delivers an error alert with a formatted message
func (m *Manager) Errorf(title, format string, args ...interface{}) {
	m.Alert(LevelError, title, fmt.Sprintf(format, args...))
}

// Warnf delivers a warning alert with a formatted message
func (m *Manager) Warnf(title, format string, args ...interface{}) {
	m.Alert(LevelWarning, title, fmt.Sprintf(format, args...))
}
