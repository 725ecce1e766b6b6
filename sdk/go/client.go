package tierlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Tierline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// SystemMode is the track in force.
type SystemMode struct {
	Current       string `json:"current"`
	LastChangedBy string `json:"last_changed_by,omitempty"`
	LastChangedAt string `json:"last_changed_at,omitempty"`
	Version       int64  `json:"version"`
}

type Responsibility struct {
	MinOrgLevel    float64 `json:"min_org_level"`
	TargetOrgLevel float64 `json:"target_org_level"`
	Label          string  `json:"label"`
}

type Decision struct {
	CanView              bool   `json:"can_view"`
	CanApprove           bool   `json:"can_approve"`
	CanComment           bool   `json:"can_comment"`
	CanEmergencyOverride bool   `json:"can_emergency_override"`
	CanFormTeam          bool   `json:"can_form_team"`
	Role                 string `json:"role"`
	Basis                string `json:"basis"`
	ActingForGroup       string `json:"acting_for_group,omitempty"`
}

// Evaluation is the level and rights resolved for one proposal and actor.
type Evaluation struct {
	Track          string          `json:"track"`
	Level          string          `json:"level"`
	Label          string          `json:"label,omitempty"`
	Responsibility *Responsibility `json:"responsibility,omitempty"`
	GroupID        string          `json:"group_id,omitempty"`
	Decision       Decision        `json:"decision"`
}

type Rotation struct {
	Enabled       bool     `json:"enabled"`
	Members       []string `json:"members,omitempty"`
	CurrentIndex  int      `json:"current_index"`
	Period        string   `json:"period,omitempty"`
	LastRotatedAt string   `json:"last_rotated_at,omitempty"`
}

type Group struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name,omitempty"`
	MemberDepartmentIDs []string `json:"member_department_ids"`
	PrimaryApproverID   string   `json:"primary_approver_id,omitempty"`
	CurrentApproverID   string   `json:"current_approver_id,omitempty"`
	Rotation            Rotation `json:"rotation"`
	Version             int64    `json:"version"`
}

type AuditEntry struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject,omitempty"`
	Before    map[string]any `json:"before,omitempty"`
	After     map[string]any `json:"after,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when present.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Mode returns the system mode.
func (c *Client) Mode(ctx context.Context) (SystemMode, error) {
	var resp SystemMode
	err := c.do(ctx, http.MethodGet, "mode", nil, &resp)
	return resp, err
}

// SetMode switches the system mode. The caller must be the top admin.
func (c *Client) SetMode(ctx context.Context, mode string) (SystemMode, error) {
	var resp SystemMode
	err := c.do(ctx, http.MethodPut, "mode", map[string]any{"mode": strings.ToUpper(mode)}, &resp)
	return resp, err
}

// Evaluate resolves a proposal for actorID, or for the caller when actorID is empty.
func (c *Client) Evaluate(ctx context.Context, score float64, departmentID, actorID string) (Evaluation, error) {
	body := map[string]any{"score": score}
	if departmentID != "" {
		body["department_id"] = departmentID
	}
	if actorID != "" {
		body["actor_id"] = actorID
	}
	var resp Evaluation
	err := c.do(ctx, http.MethodPost, "proposals/evaluate", body, &resp)
	return resp, err
}

// AdvanceRotation advances a group's rotation for tick. A zero tick means now on the server.
// The bool reports whether the approver changed.
func (c *Client) AdvanceRotation(ctx context.Context, groupID string, tick time.Time) (Group, bool, error) {
	body := map[string]any{}
	if !tick.IsZero() {
		body["tick"] = tick.UTC().Format(time.RFC3339)
	}
	var resp struct {
		Group    Group `json:"group"`
		Advanced bool  `json:"advanced"`
	}
	endpoint := fmt.Sprintf("groups/%s/rotation/advance", url.PathEscape(groupID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Group, resp.Advanced, err
}

// Groups lists voting groups.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var resp []Group
	err := c.do(ctx, http.MethodGet, "groups", nil, &resp)
	return resp, err
}

// AuditPage returns audit entries, newest first.
func (c *Client) AuditPage(ctx context.Context, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
