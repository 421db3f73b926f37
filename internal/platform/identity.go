package platform

import (
	"context"
	"net/http"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// UserName looks up the display name of the account behind the credentials.
func (c *Client) UserName(ctx context.Context, creds api.Credentials) (string, error) {
	var resp envelope[userInfoData]
	body := map[string]string{"token": creds.Token}
	if err := c.doJSON(ctx, creds, http.MethodPost, identityPath, nil, body, &resp, c.cfg.ProbeTimeout); err != nil {
		return "", err
	}
	if err := resp.check(); err != nil {
		return "", err
	}
	if resp.ReturnData.UserInfo.Name == "" {
		return "unknown user", nil
	}
	return resp.ReturnData.UserInfo.Name, nil
}
