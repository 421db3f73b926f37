package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// Verify reports whether the credentials can currently read the course
// catalog. Every failure, including timeouts, yields false.
func (c *Client) Verify(ctx context.Context, creds api.Credentials, courseID string) bool {
	var resp envelope[json.RawMessage]
	q := url.Values{"courseId": {courseID}}
	if err := c.doJSON(ctx, creds, http.MethodGet, catalogPath, q, nil, &resp, c.cfg.ProbeTimeout); err != nil {
		log.Debug().Err(err).Str("course", courseID).Msg("auth probe failed")
		return false
	}
	if err := resp.check(); err != nil {
		log.Debug().Err(err).Str("course", courseID).Msg("auth probe rejected")
		return false
	}
	return true
}
