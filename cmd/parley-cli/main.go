// Package main provides a simple CLI client for the parley WebSocket server.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/protocol"
)

// Client wraps the WebSocket connection and the active conversation.
type Client struct {
	conn           *websocket.Conn
	conversationID string
	done           chan struct{}
}

// NewClient dials the server, identifying as the given role and subject.
func NewClient(addr, role, subject string) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	q := u.Query()
	q.Set("role", role)
	q.Set("subject", subject)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &Client{conn: conn, done: make(chan struct{})}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

// StartConversation opens a conversation in the given domain.
func (c *Client) StartConversation(domainID string) error {
	payload, _ := json.Marshal(protocol.StartConversationPayload{DomainID: domainID})
	return c.conn.WriteJSON(protocol.Envelope{
		Type:    protocol.TypeStartConversation,
		Payload: payload,
	})
}

// SendMessage sends a chat message into the active conversation.
func (c *Client) SendMessage(content string) error {
	if c.conversationID == "" {
		return fmt.Errorf("no active conversation yet")
	}
	payload, _ := json.Marshal(protocol.SendMessagePayload{Content: content, EnableThinking: true})
	return c.conn.WriteJSON(protocol.Envelope{
		Type:           protocol.TypeSendMessage,
		ConversationID: c.conversationID,
		Payload:        payload,
	})
}

// Approve answers a pending tool approval prompt.
func (c *Client) Approve(requestID string, approved bool, reason string) error {
	payload, _ := json.Marshal(protocol.ApproveToolPayload{Approved: approved, Reason: reason})
	return c.conn.WriteJSON(protocol.Envelope{
		Type:           protocol.TypeApproveTool,
		ConversationID: c.conversationID,
		RequestID:      requestID,
		Payload:        payload,
	})
}

// CancelStream cancels the in-flight stream for the active conversation.
func (c *Client) CancelStream() error {
	if c.conversationID == "" {
		return fmt.Errorf("no active conversation yet")
	}
	return c.conn.WriteJSON(protocol.Envelope{
		Type:           protocol.TypeCancelStream,
		ConversationID: c.conversationID,
	})
}

// ReadMessages reads and renders server events until the connection closes.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("read error: %v", err)
				}
				return
			}
			c.render(data)
		}
	}
}

func (c *Client) render(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("unmarshal error: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeConversationStarted:
		var ev protocol.ConversationStarted
		json.Unmarshal(data, &ev)
		c.conversationID = ev.ConversationID
		fmt.Printf("\nconversation %s started (agent: %s)\n", ev.ConversationID, ev.ActiveAgent.Name)

	case protocol.TypeMessageChunk:
		var ev protocol.MessageChunk
		json.Unmarshal(data, &ev)
		fmt.Print(ev.Chunk)

	case protocol.TypeMessageComplete:
		var ev protocol.MessageComplete
		json.Unmarshal(data, &ev)
		fmt.Printf("\n[%s: %d tokens in %dms]\n", ev.AgentName, ev.Metadata.TokenCount, ev.Metadata.DurationMs)

	case protocol.TypeWorkflowThought:
		var ev protocol.WorkflowThought
		json.Unmarshal(data, &ev)
		fmt.Printf("\n(%s thinking: %s)\n", ev.AgentName, ev.Reason)

	case protocol.TypeToolApprovalRequired:
		var ev protocol.ToolApprovalRequired
		json.Unmarshal(data, &ev)
		fmt.Printf("\napproval required for %s (request %s)\n", ev.ToolName, ev.RequestID)
		fmt.Println("use /approve <request-id> or /reject <request-id> <reason>")

	case protocol.TypeToolExecuted:
		var ev protocol.ToolExecuted
		json.Unmarshal(data, &ev)
		if ev.Success {
			fmt.Printf("\ntool %s executed: %s\n", ev.ToolName, string(ev.Result))
		} else {
			fmt.Printf("\ntool %s failed: %s\n", ev.ToolName, ev.ErrorMessage)
		}

	case protocol.TypeError:
		var ev protocol.ErrorEvent
		json.Unmarshal(data, &ev)
		fmt.Printf("\nerror [%s]: %s\n", ev.Payload.Code, ev.Payload.Message)

	case protocol.TypePong:
		// keepalive, nothing to show

	default:
		var pretty map[string]interface{}
		json.Unmarshal(data, &pretty)
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Printf("\n[%s]\n%s\n", env.Type, string(formatted))
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket server address")
	role := flag.String("role", "user", "principal role (user, developer, admin)")
	subject := flag.String("subject", "cli", "principal subject")
	domainID := flag.String("domain", "dom_general", "chat domain to start in")
	flag.Parse()

	log.SetFlags(log.Ltime)

	fmt.Printf("Connecting to %s as %s/%s...\n", *addr, *role, *subject)

	client, err := NewClient(*addr, *role, *subject)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	go client.ReadMessages()

	if err := client.StartConversation(*domainID); err != nil {
		log.Fatalf("failed to start conversation: %v", err)
	}

	fmt.Println("Type a message and press Enter to send.")
	fmt.Println("Commands: /approve <id>, /reject <id> [reason], /cancel, /tool <name> [json], /quit")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\ninterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}
			input := strings.TrimSpace(scanner.Text())
			if input == "" {
				continue
			}

			switch {
			case input == "/quit":
				fmt.Println("bye")
				return

			case input == "/cancel":
				if err := client.CancelStream(); err != nil {
					log.Printf("cancel error: %v", err)
				}

			case strings.HasPrefix(input, "/approve "):
				id := strings.TrimSpace(strings.TrimPrefix(input, "/approve "))
				if err := client.Approve(id, true, ""); err != nil {
					log.Printf("approve error: %v", err)
				}

			case strings.HasPrefix(input, "/reject "):
				rest := strings.TrimSpace(strings.TrimPrefix(input, "/reject "))
				id, reason := rest, ""
				if idx := strings.Index(rest, " "); idx >= 0 {
					id, reason = rest[:idx], strings.TrimSpace(rest[idx:])
				}
				if err := client.Approve(id, false, reason); err != nil {
					log.Printf("reject error: %v", err)
				}

			default:
				// /tool commands travel as plain message content; the server
				// short-circuits them into a tool run.
				if err := client.SendMessage(input); err != nil {
					log.Printf("send error: %v", err)
				}
			}
		}
	}
}
