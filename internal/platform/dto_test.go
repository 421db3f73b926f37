package platform

import (
	"encoding/json"
	"testing"

	"github.com/3cpo-dev/autostudy/pkg/api"
)

func TestFlexSeconds(t *testing.T) {
	cases := map[string]int{
		`120`:     120,
		`"300"`:   300,
		`"12.9"`:  12,
		`45.5`:    45,
		`null`:    0,
		`""`:      0,
		`-4`:      0,
		`  "7"  `: 7,
	}
	for in, want := range cases {
		var f flexSeconds
		if err := json.Unmarshal([]byte(in), &f); err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if int(f) != want {
			t.Errorf("%s: got %d want %d", in, f, want)
		}
	}

	var f flexSeconds
	if err := json.Unmarshal([]byte(`"abc"`), &f); err == nil {
		t.Fatalf("expected error for non-numeric duration")
	}
}

func TestFlexID(t *testing.T) {
	var entry progressEntryDTO
	if err := json.Unmarshal([]byte(`{"chapterId": 12345678901234567890}`), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.ChapterID != "12345678901234567890" {
		t.Fatalf("numeric id mangled: %q", entry.ChapterID)
	}
	if err := json.Unmarshal([]byte(`{"chapterId": "abc"}`), &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry.ChapterID != "abc" {
		t.Fatalf("got %q", entry.ChapterID)
	}
}

func TestCatalogDecode(t *testing.T) {
	payload := `{
		"returnCode": "200",
		"returnData": {
			"courseName": "Demo",
			"chapters": [
				{"id": 1, "chapterName": "One", "studySubsections": [
					{"id": "a", "subsectionName": "A", "secondTime": "60"},
					{"id": 2, "subsectionName": "B", "secondTime": null}
				]}
			]
		}
	}`
	var resp envelope[catalogData]
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := resp.check(); err != nil {
		t.Fatalf("check: %v", err)
	}
	subs := resp.ReturnData.Chapters[0].Subsections
	if string(resp.ReturnData.Chapters[0].ID) != "1" || string(subs[1].ID) != "2" {
		t.Fatalf("ids not normalised: %+v", resp.ReturnData.Chapters[0])
	}
	if subs[0].SecondTime != 60 || subs[1].SecondTime != 0 {
		t.Fatalf("durations: %d %d", subs[0].SecondTime, subs[1].SecondTime)
	}
}

func TestEnvelopeRejected(t *testing.T) {
	var resp envelope[json.RawMessage]
	if err := json.Unmarshal([]byte(`{"returnCode":"500","returnMessage":"nope"}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := resp.check(); err == nil {
		t.Fatalf("expected rejection")
	}
}

func TestFlatten(t *testing.T) {
	tree := sampleCourse()
	tests := []struct {
		name        string
		chapters    api.Window
		subsections api.Window
		want        []string
	}{
		{"everything", api.All(), api.All(), []string{"s1", "s2", "s3", "s4", "s5", "s6"}},
		{"first chapter", api.Window{Lo: 0, Hi: 1}, api.All(), []string{"s1", "s2"}},
		{"empty chapter window", api.Window{Lo: 0, Hi: 0}, api.All(), nil},
		{"chapter window past end", api.Window{Lo: 5, Hi: 9}, api.All(), nil},
		{"second subsection of each", api.All(), api.Window{Lo: 1, Hi: 2}, []string{"s2", "s4"}},
		{"subsections clamp", api.Window{Lo: 1, Hi: api.Unbounded}, api.Window{Lo: 2, Hi: 99}, []string{"s5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, task := range Flatten("course", tree, tt.chapters, tt.subsections) {
				got = append(got, task.SubsectionID)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("got %v want %v", got, tt.want)
				}
			}
		})
	}
}
