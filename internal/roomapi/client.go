// Package roomapi is the REST client for room management on the signaling
// server.
package roomapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mossy-p/webrtc-meet/internal/models"
	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx reply from the server.
type APIError struct {
	Status  int
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("room api: status %d", e.Status)
	}
	return fmt.Sprintf("room api: status %d: %s", e.Status, e.Message)
}

type Client struct {
	http *resty.Client

	mu     sync.RWMutex
	token  string
	userID string
}

// New returns a client for the server at baseURL. apiKey is sent as
// x-api-key on every request when set.
func New(baseURL, apiKey string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		rc.SetHeader("x-api-key", apiKey)
	}
	return &Client{http: rc}
}

// Token returns the bearer token obtained by Login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// UserID returns the user_id claim of the current token.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SetToken installs a token obtained elsewhere.
func (c *Client) SetToken(token string) error {
	var claims struct {
		UserID string `json:"user_id"`
		jwt.RegisteredClaims
	}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	c.mu.Lock()
	c.token = token
	c.userID = claims.UserID
	c.mu.Unlock()
	c.http.SetAuthToken(token)
	return nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login exchanges credentials for a token and keeps it for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", loginRequest{Username: username, Password: password}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("room api: login returned no token")
	}
	if err := c.SetToken(out.Token); err != nil {
		return "", err
	}
	log.Debug().Str("user", c.UserID()).Msg("logged in")
	return c.UserID(), nil
}

// CreateRoom registers a room. maxParticipants of zero leaves the server
// default.
func (c *Client) CreateRoom(ctx context.Context, name string, maxParticipants int) (*models.CreateRoomResponse, error) {
	var out models.CreateRoomResponse
	req := models.CreateRoomRequest{Name: name, MaxParticipants: maxParticipants}
	if err := c.do(ctx, http.MethodPost, "/api/rooms", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RoomExists reports whether id names a live room. Transport errors count
// as absent.
func (c *Client) RoomExists(ctx context.Context, id string) bool {
	var out models.RoomExistsResponse
	if err := c.do(ctx, http.MethodGet, "/api/rooms/"+id+"/exists", nil, &out); err != nil {
		log.Debug().Err(err).Str("room", id).Msg("room exists check failed")
		return false
	}
	return out.Exists
}

// RoomInfo returns the metadata of room id, or nil when there is no such
// room.
func (c *Client) RoomInfo(ctx context.Context, id string) (*models.RoomMetadata, error) {
	var out models.RoomInfoResponse
	err := c.do(ctx, http.MethodGet, "/api/rooms/"+id, nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out.Room, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	apiErr := &APIError{}
	req := c.http.R().
		SetContext(ctx).
		SetResult(result).
		SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("room api %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		return apiErr
	}
	return nil
}
