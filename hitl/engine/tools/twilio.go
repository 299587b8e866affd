package tools

import (
	"context"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioSender delivers WhatsApp messages through the Twilio REST API.
type TwilioSender struct {
	client *twilio.RestClient
}

// NewTwilioSender creates a sender for the given account.
func NewTwilioSender(accountSID, authToken string) (*TwilioSender, error) {
	if accountSID == "" || authToken == "" {
		return nil, fmt.Errorf("twilio account sid and auth token are required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{client: client}, nil
}

// Send creates the message. The Twilio client has no context support, so ctx
// is only checked before the request is issued.
func (s *TwilioSender) Send(ctx context.Context, from, to, body string) (SentMessage, error) {
	if err := ctx.Err(); err != nil {
		return SentMessage{}, err
	}

	params := &openapi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		return SentMessage{}, err
	}

	var sent SentMessage
	if resp.Sid != nil {
		sent.SID = *resp.Sid
	}
	if resp.Status != nil {
		sent.Status = *resp.Status
	}
	return sent, nil
}

// Ensure TwilioSender implements the MessageSender interface.
var _ MessageSender = (*TwilioSender)(nil)
