package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miradorstack/deploywatch-rca/internal/models"
)

const (
	defaultTwilioAPI   = "https://api.twilio.com"
	defaultVoice       = "Polly.Matthew-Neural"
	maxSpokenRootCause = 240
)

// ErrVoiceNotConfigured is returned by NewVoiceChannel when credentials or numbers are missing.
var ErrVoiceNotConfigured = errors.New("voice channel not configured")

// VoiceConfig holds Twilio Programmable Voice settings.
type VoiceConfig struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
	To         []string
	Voice      string
	Timeout    time.Duration
}

// VoiceChannel places phone calls that read the escalation aloud. It only handles calls.
type VoiceChannel struct {
	httpClient *http.Client
	cfg        VoiceConfig
}

// NewVoiceChannel validates cfg and builds the channel.
func NewVoiceChannel(cfg VoiceConfig) (*VoiceChannel, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, ErrVoiceNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioAPI
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	return &VoiceChannel{httpClient: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}, nil
}

// Name implements Channel.
func (v *VoiceChannel) Name() string { return "voice" }

// Accepts implements Channel.
func (v *VoiceChannel) Accepts(action models.EscalationAction) bool {
	return action == models.EscalationCall
}

// Send dials every configured number. It fails if any call could not be placed.
func (v *VoiceChannel) Send(ctx context.Context, n Notification) error {
	twiml, err := TwiML(SpokenMessage(n), v.cfg.Voice)
	if err != nil {
		return err
	}
	var errs []error
	for _, to := range v.cfg.To {
		if err := v.call(ctx, to, twiml); err != nil {
			errs = append(errs, fmt.Errorf("call %s: %w", maskNumber(to), err))
		}
	}
	return errors.Join(errs...)
}

func (v *VoiceChannel) call(ctx context.Context, to, twiml string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", v.cfg.From)
	form.Set("Twiml", twiml)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", v.cfg.BaseURL, url.PathEscape(v.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)
	req.SetBasicAuth(v.cfg.AccountSID, v.cfg.AuthToken)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, apiErr.Message)
	}
	return nil
}

// SpokenMessage renders a short script for text-to-speech.
func SpokenMessage(n Notification) string {
	r := n.Report
	var b strings.Builder
	fmt.Fprintf(&b, "Deploy watch alert. %s severity incident in %s. ", n.Severity, r.Service)
	if r.IsDeploymentRelated && r.Commit != "" {
		fmt.Fprintf(&b, "The error started right after deployment of commit %s. ", spellCommit(r.Commit))
	}
	cause := r.RootCause
	if len(cause) > maxSpokenRootCause {
		cause = cause[:maxSpokenRootCause]
	}
	fmt.Fprintf(&b, "Probable cause: %s. Confidence %s.", strings.TrimRight(cause, ". "), r.Confidence)
	return b.String()
}

// TwiML wraps message in a Twilio voice response document.
func TwiML(message, voice string) (string, error) {
	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(message)); err != nil {
		return "", err
	}
	return fmt.Sprintf(`<Response><Pause length="1"/><Say voice=%q>%s</Say><Pause length="1"/><Say voice=%q>Goodbye.</Say></Response>`,
		voice, escaped.String(), voice), nil
}

// spellCommit reads the short SHA character by character.
func spellCommit(sha string) string {
	if len(sha) > 7 {
		sha = sha[:7]
	}
	return strings.Join(strings.Split(sha, ""), " ")
}

func maskNumber(n string) string {
	if len(n) <= 4 {
		return n
	}
	return strings.Repeat("*", len(n)-4) + n[len(n)-4:]
}
