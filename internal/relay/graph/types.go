package graph

import "github.com/m3r33/izues/internal/message"

// sendMailRequest is the request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject      string      `json:"subject"`
	Body         messageBody `json:"body"`
	ToRecipients []recipient `json:"toRecipients"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// tokenResponse represents the OAuth2 token endpoint response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// tokenErrorResponse is the OAuth2 error body. The description is not kept:
// Azure AD echoes request details into it.
type tokenErrorResponse struct {
	Error string `json:"error"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest addresses the run's message to a single recipient.
// Sent copies are not kept in the sender's mailbox.
func buildSendMailRequest(msg *message.Message, to string) *sendMailRequest {
	return &sendMailRequest{
		Message: sendMailMessage{
			Subject: msg.Subject,
			Body: messageBody{
				ContentType: "html",
				Content:     msg.HTMLBody,
			},
			ToRecipients: []recipient{{EmailAddress: emailAddress{Address: to}}},
		},
	}
}
