// Package platformtest provides an in-process fake of the training platform
// for tests of the client, the engine and the host.
package platformtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

const (
	Token           = "test-token"
	Cookie          = "SESSION=test"
	DefaultUserName = "测试用户"
)

// Credentials returns the credentials the fake accepts.
func Credentials() api.Credentials { return api.Credentials{Token: Token, Cookie: Cookie} }

// RecordCall is one accepted or rejected record request.
type RecordCall struct {
	CourseID     string  `json:"courseId"`
	ChapterID    string  `json:"chapterId"`
	SubsectionID string  `json:"subsectionId"`
	StudyTime    float64 `json:"studyTime"`
	State        string  `json:"state"`
}

type progressEntry struct {
	ChapterID      string  `json:"chapterId"`
	SubsectionName string  `json:"subsectionName"`
	StudyTime      float64 `json:"studyTime"`
}

// Server is a fake platform backed by httptest.
type Server struct {
	*httptest.Server

	mu            sync.Mutex
	userName      string
	courses       map[string][]api.Chapter
	catalogBudget map[string]int
	catalogCalls  map[string]int
	rejected      map[string]bool
	hidden        map[string]bool
	progress      map[string][]progressEntry
	records       []RecordCall
	confirmCalls  int
}

// New starts a fake platform. Close it when done.
func New() *Server {
	s := &Server{
		userName:      DefaultUserName,
		courses:       map[string][]api.Chapter{},
		catalogBudget: map[string]int{},
		catalogCalls:  map[string]int{},
		rejected:      map[string]bool{},
		hidden:        map[string]bool{},
		progress:      map[string][]progressEntry{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /hd/teacherTraining/api/user/info", s.handleUser)
	mux.HandleFunc("GET /hd/teacherTraining/api/studyCourse/getCourseDetails", s.handleCatalog)
	mux.HandleFunc("POST /hd/teacherTraining/api/studyCourseUser/recordProcess", s.handleRecord)
	mux.HandleFunc("GET /hd/teacherTraining/api/studyCourseUser/chapterProcess", s.handleConfirm)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetUserName changes the name reported by the identity endpoint.
func (s *Server) SetUserName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userName = name
}

// AddCourse registers a course tree.
func (s *Server) AddCourse(id string, chapters ...api.Chapter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[id] = chapters
}

// FailCatalog makes catalog reads of a course answer 500 once it has served
// okCalls successful reads. okCalls 1 lets the auth probe pass and the
// fetch fail.
func (s *Server) FailCatalog(courseID string, okCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogBudget[courseID] = okCalls
}

// RejectRecord makes record requests for a subsection answer a failure code.
func (s *Server) RejectRecord(subsectionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[subsectionID] = true
}

// HideProgress accepts records for a chapter but never reports them back.
func (s *Server) HideProgress(chapterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden[chapterID] = true
}

// Records returns a copy of every record request received.
func (s *Server) Records() []RecordCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordCall(nil), s.records...)
}

// ConfirmCalls returns how many confirmation queries were served.
func (s *Server) ConfirmCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmCalls
}

func reply(w http.ResponseWriter, code string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"returnCode":    code,
		"returnMessage": "ok",
		"returnData":    data,
	})
}

func authorized(r *http.Request) bool {
	return r.Header.Get("X-Token") == Token && r.Header.Get("Cookie") == Cookie
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if !authorized(r) || body.Token != Token {
		reply(w, "401", nil)
		return
	}
	s.mu.Lock()
	name := s.userName
	s.mu.Unlock()
	reply(w, "200", map[string]interface{}{"userInfo": map[string]string{"name": name}})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		reply(w, "401", nil)
		return
	}
	id := r.URL.Query().Get("courseId")
	s.mu.Lock()
	chapters, ok := s.courses[id]
	budget, limited := s.catalogBudget[id]
	calls := s.catalogCalls[id]
	s.catalogCalls[id]++
	s.mu.Unlock()
	if limited && calls >= budget {
		http.Error(w, "boom", http.StatusInternalServerError)
		return
	}
	if !ok {
		reply(w, "404", nil)
		return
	}
	out := make([]map[string]interface{}, 0, len(chapters))
	for _, ch := range chapters {
		subs := make([]map[string]interface{}, 0, len(ch.Subsections))
		for _, sub := range ch.Subsections {
			subs = append(subs, map[string]interface{}{
				"id":             sub.ID,
				"subsectionName": sub.Name,
				"secondTime":     sub.DurationSeconds,
			})
		}
		out = append(out, map[string]interface{}{
			"id":               ch.ID,
			"chapterName":      ch.Name,
			"studySubsections": subs,
		})
	}
	reply(w, "200", map[string]interface{}{"courseName": id, "chapters": out})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		reply(w, "401", nil)
		return
	}
	var call RecordCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, call)
	if s.rejected[call.SubsectionID] {
		reply(w, "500", nil)
		return
	}
	if !s.hidden[call.ChapterID] {
		s.progress[call.ChapterID] = append(s.progress[call.ChapterID], progressEntry{
			ChapterID:      call.ChapterID,
			SubsectionName: call.SubsectionID,
			StudyTime:      call.StudyTime,
		})
	}
	reply(w, "200", nil)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		reply(w, "401", nil)
		return
	}
	id := r.URL.Query().Get("chapterId")
	s.mu.Lock()
	s.confirmCalls++
	entries := append([]progressEntry{}, s.progress[id]...)
	s.mu.Unlock()
	reply(w, "200", map[string]interface{}{"studySubsectionUsers": entries})
}
