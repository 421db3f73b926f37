package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

// Catalog fetches the full chapter tree of a course in declared order.
func (c *Client) Catalog(ctx context.Context, creds api.Credentials, courseID string) ([]api.Chapter, error) {
	var resp envelope[catalogData]
	q := url.Values{"courseId": {courseID}}
	if err := c.doJSON(ctx, creds, http.MethodGet, catalogPath, q, nil, &resp, c.cfg.CatalogTimeout); err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", courseID, err)
	}
	if err := resp.check(); err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", courseID, err)
	}
	chapters := make([]api.Chapter, 0, len(resp.ReturnData.Chapters))
	for _, ch := range resp.ReturnData.Chapters {
		chapter := api.Chapter{ID: string(ch.ID), Name: ch.ChapterName}
		for _, s := range ch.Subsections {
			chapter.Subsections = append(chapter.Subsections, api.Subsection{
				ID:              string(s.ID),
				Name:            s.SubsectionName,
				DurationSeconds: int(s.SecondTime),
			})
		}
		chapters = append(chapters, chapter)
	}
	log.Debug().
		Str("course", courseID).
		Str("name", resp.ReturnData.CourseName).
		Int("chapters", len(chapters)).
		Msg("catalog fetched")
	return chapters, nil
}

// FetchSubsections fetches the catalog and flattens the windowed chapters and
// subsections into tasks.
func (c *Client) FetchSubsections(ctx context.Context, creds api.Credentials, courseID string, chapters, subsections api.Window) ([]api.SubsectionTask, error) {
	tree, err := c.Catalog(ctx, creds, courseID)
	if err != nil {
		return nil, err
	}
	return Flatten(courseID, tree, chapters, subsections), nil
}

// Flatten applies the chapter window, then the subsection window within each
// selected chapter, and tags every subsection with its course and chapter.
func Flatten(courseID string, tree []api.Chapter, chapters, subsections api.Window) []api.SubsectionTask {
	var tasks []api.SubsectionTask
	lo, hi := chapters.Apply(len(tree))
	for _, ch := range tree[lo:hi] {
		slo, shi := subsections.Apply(len(ch.Subsections))
		for _, s := range ch.Subsections[slo:shi] {
			tasks = append(tasks, api.SubsectionTask{
				CourseID:        courseID,
				ChapterID:       ch.ID,
				ChapterName:     ch.Name,
				SubsectionID:    s.ID,
				SubsectionName:  s.Name,
				DurationSeconds: s.DurationSeconds,
			})
		}
	}
	return tasks
}
