package telephony

import (
	"context"
	"errors"
	"net/url"

	twilio "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallRequest is one outbound placement.
type CallRequest struct {
	To        string
	AnswerURL string
	StatusURL string
}

// Provider places outbound calls and returns the provider's call handle.
type Provider interface {
	CreateCall(ctx context.Context, req CallRequest) (string, error)
}

// TwilioProvider places calls through the Twilio REST API.
type TwilioProvider struct {
	client *twilio.RestClient
	From   string
}

func NewTwilioProvider(accountSID, authToken, from string) *TwilioProvider {
	return &TwilioProvider{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		From:   from,
	}
}

func (p *TwilioProvider) CreateCall(ctx context.Context, req CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(p.From)
	params.SetUrl(req.AnswerURL)
	params.SetMethod("POST")
	if req.StatusURL != "" {
		params.SetStatusCallback(req.StatusURL)
		params.SetStatusCallbackMethod("POST")
		params.SetStatusCallbackEvent([]string{"completed"})
	}
	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return "", err
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", errors.New("twilio returned no call sid")
	}
	return *resp.Sid, nil
}

// SignatureValidator checks X-Twilio-Signature on inbound webhooks.
type SignatureValidator struct {
	v twclient.RequestValidator
}

func NewSignatureValidator(authToken string) *SignatureValidator {
	return &SignatureValidator{v: twclient.NewRequestValidator(authToken)}
}

// Valid reports whether signature matches fullURL and the posted form.
func (s *SignatureValidator) Valid(fullURL string, form url.Values, signature string) bool {
	if signature == "" {
		return false
	}
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.v.Validate(fullURL, params, signature)
}
