package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// studyTimeOffset keeps every claimed study time just under the full length.
const studyTimeOffset = 0.1

// Record claims a subsection as studied and confirms the platform took it.
// The settle delay before confirmation observes ctx; the requests themselves
// run to completion even if ctx is cancelled meanwhile. Any failure yields
// false.
func (c *Client) Record(ctx context.Context, creds api.Credentials, task api.SubsectionTask) bool {
	logger := log.With().
		Str("course", task.CourseID).
		Str("chapter", task.ChapterID).
		Str("subsection", task.SubsectionID).
		Logger()
	netCtx := context.WithoutCancel(ctx)

	if err := c.submit(netCtx, creds, task); err != nil {
		logger.Debug().Err(err).Msg("record rejected")
		return false
	}
	if err := sleep(ctx, c.cfg.SettleDelay); err != nil {
		logger.Debug().Err(err).Msg("interrupted before confirmation")
		return false
	}
	if err := c.Confirm(netCtx, creds, task.ChapterID); err != nil {
		logger.Debug().Err(err).Msg("confirmation failed")
		return false
	}
	return true
}

func (c *Client) submit(ctx context.Context, creds api.Credentials, task api.SubsectionTask) error {
	payload := recordRequest{
		CourseID:     task.CourseID,
		ChapterID:    task.ChapterID,
		SubsectionID: task.SubsectionID,
		StudyTime:    float64(task.DurationSeconds) - studyTimeOffset,
		State:        "1",
	}
	var resp envelope[json.RawMessage]
	if err := c.doJSON(ctx, creds, http.MethodPost, recordPath, nil, payload, &resp, c.cfg.RecordTimeout); err != nil {
		return err
	}
	return resp.check()
}

// Confirm checks that the platform's progress for a chapter contains at least
// one entry belonging to that chapter.
func (c *Client) Confirm(ctx context.Context, creds api.Credentials, chapterID string) error {
	var resp envelope[confirmData]
	q := url.Values{"chapterId": {chapterID}}
	if err := c.doJSON(ctx, creds, http.MethodGet, confirmPath, q, nil, &resp, c.cfg.ConfirmTimeout); err != nil {
		return err
	}
	if err := resp.check(); err != nil {
		return err
	}
	for _, entry := range resp.ReturnData.Users {
		if string(entry.ChapterID) == chapterID {
			return nil
		}
	}
	return fmt.Errorf("%w: no progress entry for chapter %s among %d", ErrRejected, chapterID, len(resp.ReturnData.Users))
}
