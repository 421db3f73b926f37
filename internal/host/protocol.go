package host

import (
	"strings"
	"time"

	"github.com/3cpo-dev/autostudy/internal/core"
	"github.com/3cpo-dev/autostudy/pkg/api"
)

type HeartbeatResponse struct {
	Time     time.Time `json:"time"`
	Host     string    `json:"host"`
	Version  string    `json:"version"`
	Sessions int       `json:"sessions"`
}

// Credentials accept both the current field names and the upper-case ones
// older front ends send.
type credentialFields struct {
	Token   string `json:"token"`
	Cookie  string `json:"cookie"`
	XToken  string `json:"X_TOKEN"`
	XCookie string `json:"COOKIE"`
}

func (c credentialFields) credentials() api.Credentials {
	creds := api.Credentials{Token: c.Token, Cookie: c.Cookie}
	if creds.Token == "" {
		creds.Token = c.XToken
	}
	if creds.Cookie == "" {
		creds.Cookie = c.XCookie
	}
	creds.Token = strings.TrimSpace(creds.Token)
	creds.Cookie = strings.TrimSpace(creds.Cookie)
	return creds
}

type LoginRequest struct {
	credentialFields
	// Persist saves the credentials to the secrets file.
	Persist bool `json:"persist"`
}

type LoginResponse struct {
	Success  bool   `json:"success"`
	UserInfo string `json:"user_info,omitempty"`
	Message  string `json:"message,omitempty"`
}

type StartRequest struct {
	credentialFields
	Courses []api.Course `json:"courses"`
	// CourseIDs holds one course id per line.
	CourseIDs       string         `json:"course_ids"`
	CourseID        string         `json:"course_id"`
	ChapterRange    *api.RangeSpec `json:"chapter_range"`
	SubsectionRange *api.RangeSpec `json:"subsection_range"`
}

// courses merges the structured list with the line-separated ids.
func (r StartRequest) courses() []api.Course {
	var out []api.Course
	for _, c := range r.Courses {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID != "" {
			out = append(out, c)
		}
	}
	for _, raw := range []string{r.CourseIDs, r.CourseID} {
		for _, line := range strings.Split(raw, "\n") {
			if id := strings.TrimSpace(line); id != "" {
				out = append(out, api.Course{ID: id})
			}
		}
	}
	return out
}

type StartResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type StopResponse struct {
	Success bool   `json:"success"`
	Stopped int    `json:"stopped"`
	Message string `json:"message,omitempty"`
}

type SessionStatus struct {
	SessionID string        `json:"session_id"`
	Status    api.RunStatus `json:"status"`
	Progress  float64       `json:"progress"`
	UserInfo  string        `json:"user_info,omitempty"`
	Result    core.Result   `json:"result"`
	CreatedAt time.Time     `json:"created_at"`
	Logs      []api.Event   `json:"logs"`
}

type ConfigResponse struct {
	Success bool        `json:"success"`
	Config  core.Config `json:"config"`
}

type HistoryResponse struct {
	Success bool             `json:"success"`
	Runs    []core.RunRecord `json:"runs"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
