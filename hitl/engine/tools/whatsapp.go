package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"github.com/rs/zerolog"
)

const WhatsAppToolName = "send_whatsapp_message"

const whatsAppPrefix = "whatsapp:"

const whatsAppSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": "string", "description": "The complete message text to send"},
    "phone_number": {"type": "string", "minLength": 1, "description": "Recipient phone number with country code, e.g. +1234567890"}
  },
  "required": ["message", "phone_number"],
  "additionalProperties": false
}`

// SentMessage is the transport's receipt for a delivered message.
type SentMessage struct {
	SID    string
	Status string
}

// MessageSender delivers a WhatsApp message. Addresses carry the "whatsapp:" prefix.
type MessageSender interface {
	Send(ctx context.Context, from, to, body string) (SentMessage, error)
}

// WhatsAppTool sends WhatsApp messages. It always requires human approval.
type WhatsAppTool struct {
	sender MessageSender
	from   string
	logger zerolog.Logger
}

type whatsAppParams struct {
	Message     string `json:"message"`
	PhoneNumber string `json:"phone_number"`
}

// NewWhatsAppTool creates the tool. A nil sender or empty from number makes
// every invocation fail with a missing-credentials error.
func NewWhatsAppTool(sender MessageSender, from string, logger zerolog.Logger) *WhatsAppTool {
	return &WhatsAppTool{
		sender: sender,
		from:   from,
		logger: logger.With().Str("tool", WhatsAppToolName).Logger(),
	}
}

func (t *WhatsAppTool) Name() string { return WhatsAppToolName }

func (t *WhatsAppTool) Description() string {
	return "Send a WhatsApp message via Twilio. Use when the user asks to send, share or forward information via WhatsApp. " +
		"The phone number must include the country code (e.g. +1234567890)."
}

func (t *WhatsAppTool) Schema() []byte { return []byte(whatsAppSchema) }

func (t *WhatsAppTool) RequiresApproval() bool { return true }

// Invoke sends the message and returns a confirmation string.
func (t *WhatsAppTool) Invoke(ctx context.Context, args json.RawMessage) (any, error) {
	var params whatsAppParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	if t.sender == nil || t.from == "" {
		return nil, fmt.Errorf("missing Twilio credentials: set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_WHATSAPP_FROM")
	}

	body := strings.TrimSpace(params.Message)
	if body == "" {
		return nil, fmt.Errorf("message is empty")
	}

	to := normalizeWhatsAppAddress(params.PhoneNumber)
	from := normalizeWhatsAppAddress(t.from)

	t.logger.Info().
		Str("to", to).
		Int("message_length", len(body)).
		Msg("Sending WhatsApp message")

	sent, err := t.sender.Send(ctx, from, to, body)
	if err != nil {
		return nil, fmt.Errorf("failed to send WhatsApp message: %w", err)
	}

	return fmt.Sprintf("WhatsApp message sent successfully to %s. Message SID: %s, Status: %s",
		strings.TrimSpace(params.PhoneNumber), sent.SID, sent.Status), nil
}

func normalizeWhatsAppAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, whatsAppPrefix) {
		return number
	}
	return whatsAppPrefix + number
}

// Ensure WhatsAppTool implements the Tool and ApprovalDeclarer interfaces.
var (
	_ ports.Tool             = (*WhatsAppTool)(nil)
	_ ports.ApprovalDeclarer = (*WhatsAppTool)(nil)
)
