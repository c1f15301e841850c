package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Remote is a StepExecutor backed by an external conversation-graph service.
// It POSTs the initial state to the service's /execute endpoint and consumes
// an SSE stream of token / state / done / error events.
type Remote struct {
	endpoint   string
	httpClient *http.Client
}

// NewRemote creates a remote executor for the given base endpoint. The
// timeout bounds one whole graph invocation including its stream; zero means
// a 5 minute default.
func NewRemote(endpoint string, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Remote{
		endpoint:   strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type sseEvent struct {
	Event string
	Data  string
}

type remoteStatePayload struct {
	ActiveAgentID string `json:"active_agent_id"`
	ActiveAgent   string `json:"active_agent"`
	Reply         string `json:"reply"`
}

type remoteTokenPayload struct {
	Text string `json:"text"`
}

type remoteErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Execute invokes the remote graph and relays its stream through the callbacks.
func (r *Remote) Execute(st *State, onToken func(string), onStep func(*State)) (*State, error) {
	body, err := json.Marshal(map[string]any{
		"conversation_id": st.ConversationID,
		"messages":        st.Messages,
		"active_agent_id": st.ActiveAgentID,
		"metadata":        st.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, r.endpoint+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Conversation-ID", st.ConversationID)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoke graph: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("graph returned status %d: %s", resp.StatusCode, string(b))
	}

	final := st.Clone()
	err = parseSSE(resp.Body, func(ev sseEvent) error {
		switch ev.Event {
		case "token":
			var p remoteTokenPayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				return fmt.Errorf("parse token event: %w", err)
			}
			if onToken != nil {
				onToken(p.Text)
			}
		case "state":
			var p remoteStatePayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				return fmt.Errorf("parse state event: %w", err)
			}
			if p.ActiveAgentID != "" {
				final.ActiveAgentID = p.ActiveAgentID
			}
			if p.ActiveAgent != "" {
				final.ActiveAgent = p.ActiveAgent
			}
			final.Reply = p.Reply
			if onStep != nil {
				onStep(final.Clone())
			}
		case "error":
			var p remoteErrorPayload
			if err := json.Unmarshal([]byte(ev.Data), &p); err != nil {
				return fmt.Errorf("parse error event: %w", err)
			}
			return fmt.Errorf("graph error %s: %s", p.Code, p.Message)
		case "done":
			// Final state already accumulated from prior state events.
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}

// parseSSE reads an SSE stream and calls the handler for each complete event.
func parseSSE(reader io.Reader, handler func(sseEvent) error) error {
	scanner := bufio.NewScanner(reader)
	var event sseEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event.
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = sseEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
		// Comments (lines starting with :) and other fields are ignored.
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
