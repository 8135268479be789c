// Package angel holds the Angel One SmartAPI login and SmartStream wire types.
package angel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultLoginURL  = "https://apiconnect.angelbroking.com/rest/auth/angelbroking/user/v1/loginByPassword"
	DefaultStreamURL = "wss://smartapisocket.angelone.in/smart-stream"
)

// ErrLoginRejected means the credentials were refused; retrying will not help.
var ErrLoginRejected = errors.New("angel: login rejected")

type LoginResponse struct {
	Status    bool   `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorcode"`
	Data      struct {
		JwtToken  string `json:"jwtToken"`
		FeedToken string `json:"feedToken"`
	} `json:"data"`
}

// Credentials identify a SmartAPI user and the client device headers the
// API requires.
type Credentials struct {
	ClientID   string
	PIN        string
	TOTP       string
	APIKey     string
	LocalIP    string
	PublicIP   string
	MACAddress string
}

// Session is the result of a successful login.
type Session struct {
	JWT       string
	FeedToken string
}

type Client struct {
	creds    Credentials
	loginURL string
	http     *http.Client
}

func NewClient(creds Credentials, loginURL string) *Client {
	if loginURL == "" {
		loginURL = DefaultLoginURL
	}
	return &Client{
		creds:    creds,
		loginURL: loginURL,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Authenticate logs in and returns the JWT and feed token.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	payload := map[string]string{
		"clientcode": c.creds.ClientID,
		"password":   c.creds.PIN,
		"totp":       c.creds.TOTP,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return Session{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.loginURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return Session{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-UserType", "USER")
	req.Header.Set("X-SourceID", "WEB")
	req.Header.Set("X-ClientLocalIP", c.creds.LocalIP)
	req.Header.Set("X-ClientPublicIP", c.creds.PublicIP)
	req.Header.Set("X-MACAddress", c.creds.MACAddress)
	req.Header.Set("X-PrivateKey", c.creds.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Session{}, fmt.Errorf("%w: http %d", ErrLoginRejected, resp.StatusCode)
	}

	var loginResp LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return Session{}, fmt.Errorf("failed to decode response (http %d): %w", resp.StatusCode, err)
	}

	if !loginResp.Status || loginResp.Data.JwtToken == "" {
		return Session{}, fmt.Errorf("%w: %s %s", ErrLoginRejected, loginResp.ErrorCode, loginResp.Message)
	}

	return Session{JWT: loginResp.Data.JwtToken, FeedToken: loginResp.Data.FeedToken}, nil
}

// StreamHeaders are the SmartStream upgrade headers for a session.
func (c *Client) StreamHeaders(s Session) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + s.JWT,
		"X-Client-Code": c.creds.ClientID,
		"X-Api-Key":     c.creds.APIKey,
		"X-Feed-Token":  s.FeedToken,
	}
}
