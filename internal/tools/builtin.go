package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

func init() {
	MustRegister("weather.query", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Location string `json:"location"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		if p.Location == "" {
			p.Location = "unknown"
		}
		out, _ := json.Marshal(map[string]interface{}{
			"location":    p.Location,
			"weather":     "Sunny",
			"temperature": 25,
		})
		return out, nil
	})

	MustRegister("notes.append", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Text string `json:"text"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("text is required")
		}
		out, _ := json.Marshal(map[string]interface{}{
			"appended": true,
			"at":       time.Now().UTC().Format(time.RFC3339),
		})
		return out, nil
	})

	MustRegister("payments.transfer", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var p struct {
			Amount float64 `json:"amount"`
			To     string  `json:"to"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}
		if p.Amount <= 0 {
			return nil, fmt.Errorf("amount must be positive")
		}
		out, _ := json.Marshal(map[string]interface{}{
			"status":         "completed",
			"transaction_id": fmt.Sprintf("tx_%d", time.Now().UnixNano()),
		})
		return out, nil
	})

	MustRegister("dangerous.command", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("tool execution disabled")
	})
}
