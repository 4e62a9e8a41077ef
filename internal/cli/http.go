package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

type restWatch struct {
	ID               string    `json:"id"`
	Repository       string    `json:"repository"`
	Branch           string    `json:"branch"`
	Commit           string    `json:"commit"`
	Author           string    `json:"author"`
	Status           string    `json:"status"`
	AttributedErrors int       `json:"attributedErrors"`
	Outcome          string    `json:"outcome"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

func (w restWatch) proto() *rcav1.Watch {
	return &rcav1.Watch{
		Id:               w.ID,
		Repository:       w.Repository,
		Branch:           w.Branch,
		Commit:           w.Commit,
		Author:           w.Author,
		Status:           w.Status,
		AttributedErrors: int32(w.AttributedErrors),
		Outcome:          w.Outcome,
	}
}

type liveEvent struct {
	Type    string          `json:"type"`
	Key     string          `json:"key"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

func init() {
	rootCmd.AddCommand(watchesCmd(), closeCmd(), streamCmd())
}

func restCall(method, path string, out any) error {
	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := (&http.Client{Timeout: timeout}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
	}
	return json.Unmarshal(body, out)
}

func watchesCmd() *cobra.Command {
	var limit int
	return &cobra.Command{
		Use:   "watches",
		Short: "List recent deployment watches",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Watches []restWatch `json:"watches"`
			}
			if err := restCall(http.MethodGet, fmt.Sprintf("/api/v1/watches?limit=%d", limit), &resp); err != nil {
				return err
			}
			if len(resp.Watches) == 0 {
				fmt.Println(dimStyle.Render("no watches"))
				return nil
			}
			now := time.Now()
			for _, w := range resp.Watches {
				line := renderWatch(w.proto())
				if w.Status == "watching" {
					line += " " + labelStyle.Render("remaining "+utils.HumanDuration(w.ExpiresAt.Sub(now)))
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func closeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <watch-id>",
		Short: "Resolve a deployment watch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Watch restWatch `json:"watch"`
			}
			if err := restCall(http.MethodPost, "/api/v1/watches/"+url.PathEscape(args[0])+"/close", &resp); err != nil {
				return err
			}
			fmt.Println(renderWatch(resp.Watch.proto()))
			return nil
		},
	}
}

// wsURL turns the HTTP base URL into the live feed endpoint.
func wsURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

func streamCmd() *cobra.Command {
	var types []string
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow watch, report and escalation events live",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := wsURL(apiURL)
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.Dial(target, nil)
			if err != nil {
				return fmt.Errorf("connect %s: %w", target, err)
			}
			defer conn.Close()
			fmt.Println(dimStyle.Render("streaming from " + target))

			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return fmt.Errorf("ws read: %w", err)
				}
				var evt liveEvent
				if err := json.Unmarshal(msg, &evt); err != nil {
					continue
				}
				if len(types) > 0 && !matchesType(evt.Type, types) {
					continue
				}
				fmt.Println(describeEvent(evt))
			}
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event type prefixes (watch, report, escalation)")
	return cmd
}

func matchesType(eventType string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

func describeEvent(evt liveEvent) string {
	ts := labelStyle.Render(evt.At.Local().Format("15:04:05"))
	switch {
	case strings.HasPrefix(evt.Type, "watch."):
		var payload struct {
			Watch restWatch `json:"watch"`
			From  string    `json:"from"`
			To    string    `json:"to"`
		}
		if json.Unmarshal(evt.Payload, &payload) == nil && payload.Watch.ID != "" {
			return fmt.Sprintf("%s %s %s", ts, boldStyle.Render(evt.Type), renderWatch(payload.Watch.proto()))
		}
	case evt.Type == "report.created":
		var r struct {
			ID        string `json:"id"`
			Service   string `json:"service"`
			Severity  string `json:"severity"`
			RootCause string `json:"rootCause"`
		}
		if json.Unmarshal(evt.Payload, &r) == nil {
			return fmt.Sprintf("%s %s %s %s %s", ts, boldStyle.Render(evt.Type), r.ID, severityBadge(r.Severity), truncate(r.RootCause, 70))
		}
	}
	return fmt.Sprintf("%s %s %s %s", ts, boldStyle.Render(evt.Type), evt.Key, dimStyle.Render(truncate(string(evt.Payload), 100)))
}
