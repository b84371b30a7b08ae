package gateway

import (
	"context"
	"net/http"
)

// ProbeConnectionState asks the gateway for the instance connection state.
// The call also wakes a hibernating instance so its realtime namespace is
// registered again.
func (c *Client) ProbeConnectionState(ctx context.Context, t Tenant) (string, error) {
	var resp struct {
		Instance struct {
			InstanceName string `json:"instanceName"`
			State        string `json:"state"`
		} `json:"instance"`
		State string `json:"state"`
	}
	if err := c.do(ctx, t, http.MethodGet, instancePath("/instance/connectionState", t), nil, &resp); err != nil {
		return "", err
	}
	if resp.Instance.State != "" {
		return resp.Instance.State, nil
	}
	return resp.State, nil
}

// ConnectInstance requests a QR code or pairing code for the instance. When
// the instance is already paired only State is set.
func (c *Client) ConnectInstance(ctx context.Context, t Tenant) (*ConnectResult, error) {
	var resp struct {
		ConnectResult
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.do(ctx, t, http.MethodGet, instancePath("/instance/connect", t), nil, &resp); err != nil {
		return nil, err
	}
	result := resp.ConnectResult
	if result.State == "" {
		result.State = resp.Instance.State
	}
	return &result, nil
}

// RestartInstance restarts the gateway instance.
func (c *Client) RestartInstance(ctx context.Context, t Tenant) error {
	return c.do(ctx, t, http.MethodPost, instancePath("/instance/restart", t), nil, nil)
}

// LogoutInstance unpairs the WhatsApp account from the instance and forgets
// the avatars cached for it.
func (c *Client) LogoutInstance(ctx context.Context, t Tenant) error {
	c.forgetAvatars(t.ID)
	return c.do(ctx, t, http.MethodDelete, instancePath("/instance/logout", t), nil, nil)
}
