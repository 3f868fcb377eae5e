package config

import "testing"

const smilesCourse = `title: Introduction to SMILES
slide_count: 22
options:
  auto_advance_delay_ms: 500
slides:
  - {}
  - html: slides/intro.html
    title: Intro
  - hooks:
      - use: buttonToggle
        target: "#aspirin-toggle-btn"
        toggles: "#aspirin-smiles"
        onText: Hide SMILES
        offText: Show SMILES
      - use: quiz
        id: q1
        correct: B
        attempts: 2
scorm:
  enabled: true
  complete_on_last_slide: true
`

func TestParseCourse(t *testing.T) {
	course, err := ParseCourse([]byte(smilesCourse))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if course.Total() != 22 {
		t.Fatalf("expected 22 slides, got %d", course.Total())
	}
	if !course.Options.RememberProgress {
		t.Fatal("expected remember_progress default to survive")
	}
	if course.Options.AutoAdvanceDelayMs != 500 {
		t.Fatalf("unexpected delay %d", course.Options.AutoAdvanceDelayMs)
	}
	if course.Scorm.MasteryScore != 70 {
		t.Fatalf("expected default mastery 70, got %v", course.Scorm.MasteryScore)
	}

	first := course.Slides[0]
	if first.ContentRef != "slides/slide1.html" || first.AudioRef != "audio/slide1.mp3" || first.Title != "Slide 1" {
		t.Fatalf("unexpected defaults %+v", first)
	}
	if course.Slides[1].ContentRef != "slides/intro.html" || course.Slides[1].AudioRef != "audio/slide2.mp3" {
		t.Fatalf("unexpected slide 2 %+v", course.Slides[1])
	}
	if course.Slides[21].ContentRef != "slides/slide22.html" {
		t.Fatalf("unexpected padded slide %+v", course.Slides[21])
	}

	hooks := course.Slides[2].Hooks
	if len(hooks) != 2 {
		t.Fatalf("expected 2 hooks, got %d", len(hooks))
	}
	toggle := hooks[0]
	if toggle.Plugin != "buttonToggle" || toggle.Target != "#aspirin-toggle-btn" {
		t.Fatalf("unexpected hook %+v", toggle)
	}
	if toggle.Options["toggles"] != "#aspirin-smiles" || toggle.Options["onText"] != "Hide SMILES" {
		t.Fatalf("unexpected options %v", toggle.Options)
	}
	if _, ok := toggle.Options["use"]; ok {
		t.Fatal("use must not leak into options")
	}
	if hooks[1].Options["attempts"] != 2 {
		t.Fatalf("expected integer attempts, got %#v", hooks[1].Options["attempts"])
	}
}

func TestParseCourseEmptyGetsOneSlide(t *testing.T) {
	course, err := ParseCourse([]byte("title: empty\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if course.Total() != 1 {
		t.Fatalf("expected a single default slide, got %d", course.Total())
	}
}

func TestParseCourseRejects(t *testing.T) {
	cases := map[string]string{
		"negative delay": "options:\n  auto_advance_delay_ms: -1\n",
		"hook without use": "slides:\n  - hooks:\n      - target: '#x'\n",
		"mastery out of range": "scorm:\n  mastery_score: 120\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCourse([]byte(doc)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
