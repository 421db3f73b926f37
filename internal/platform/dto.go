package platform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// flexID accepts identifiers sent either as JSON strings or as bare numbers,
// keeping the digits of large numeric ids intact.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// flexSeconds accepts a duration sent as a number, a numeric string or null.
// Fractions are truncated.
type flexSeconds int

func (f *flexSeconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		if raw == "" {
			*f = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("secondTime: %w", err)
	}
	if v < 0 {
		v = 0
	}
	*f = flexSeconds(int(v))
	return nil
}

type userInfoData struct {
	UserInfo struct {
		Name string `json:"name"`
	} `json:"userInfo"`
}

type catalogData struct {
	CourseName string       `json:"courseName"`
	Chapters   []chapterDTO `json:"chapters"`
}

type chapterDTO struct {
	ID          flexID          `json:"id"`
	ChapterName string          `json:"chapterName"`
	Subsections []subsectionDTO `json:"studySubsections"`
}

type subsectionDTO struct {
	ID             flexID      `json:"id"`
	SubsectionName string      `json:"subsectionName"`
	SecondTime     flexSeconds `json:"secondTime"`
}

type recordRequest struct {
	CourseID     string  `json:"courseId"`
	ChapterID    string  `json:"chapterId"`
	SubsectionID string  `json:"subsectionId"`
	StudyTime    float64 `json:"studyTime"`
	State        string  `json:"state"`
}

type confirmData struct {
	Users []progressEntryDTO `json:"studySubsectionUsers"`
}

type progressEntryDTO struct {
	ChapterID      flexID          `json:"chapterId"`
	SubsectionName string          `json:"subsectionName"`
	StudyTime      json.RawMessage `json:"studyTime"`
}
