package dom

import (
	"strings"
	"testing"
)

const fragment = `<section class="slide hidden" data-audio="audio/custom.mp3">
  <h1 id="title">Aspirin</h1>
  <div class="quiz-options">
    <button class="quiz-option" data-label="A">A</button>
    <button class="quiz-option" data-label="B" disabled>B</button>
  </div>
  <div class="narration-panel">  Aspirin is acetylsalicylic acid. </div>
</section>`

func TestQueryAndText(t *testing.T) {
	doc, err := Parse([]byte(fragment))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	root := doc.FirstElement()
	if root.Tag() != "section" {
		t.Fatalf("expected section root, got %s", root.Tag())
	}
	if got := root.Data("audio"); got != "audio/custom.mp3" {
		t.Fatalf("unexpected data-audio %q", got)
	}
	if got := root.Query(".narration-panel").Text(); got != "Aspirin is acetylsalicylic acid." {
		t.Fatalf("unexpected narration text %q", got)
	}
	if n := len(root.QueryAll(".quiz-option")); n != 2 {
		t.Fatalf("expected 2 options, got %d", n)
	}
	if root.Query("#missing") != nil {
		t.Fatal("expected nil for unmatched selector")
	}
	if root.Query("[[invalid") != nil {
		t.Fatal("expected nil for invalid selector")
	}
}

func TestClassHelpers(t *testing.T) {
	doc, _ := Parse([]byte(fragment))
	root := doc.FirstElement()
	root.AddClass("active", "slide")
	root.RemoveClass("hidden")
	if !root.HasClass("active") || root.HasClass("hidden") {
		t.Fatalf("unexpected classes %v", root.Classes())
	}
	if got := root.Classes(); len(got) != 2 {
		t.Fatalf("expected no duplicate classes, got %v", got)
	}
	if !root.ToggleClass("is-flipped") || root.ToggleClass("is-flipped") {
		t.Fatal("toggle did not flip")
	}
}

func TestDispatchBubblesAndSkipsDisabled(t *testing.T) {
	doc, _ := Parse([]byte(fragment))
	box := doc.Query(".quiz-options")
	var targets []string
	off := box.On("click", func(evt Event) {
		targets = append(targets, evt.Target.Data("label"))
	})

	if err := doc.Click(`.quiz-option[data-label="A"]`); err != nil {
		t.Fatalf("click: %v", err)
	}
	if err := doc.Click(`.quiz-option[data-label="B"]`); err != nil {
		t.Fatalf("click: %v", err)
	}
	if len(targets) != 1 || targets[0] != "A" {
		t.Fatalf("unexpected targets %v", targets)
	}

	off()
	off()
	if doc.ListenerCount() != 0 {
		t.Fatalf("expected listeners removed, got %d", doc.ListenerCount())
	}
	if err := doc.Click("#nope"); err == nil {
		t.Fatal("expected error for missing click target")
	}
}

func TestSetInnerHTMLDropsListeners(t *testing.T) {
	doc, _ := Parse([]byte(fragment))
	doc.Query("#title").On("click", func(Event) {})
	if err := doc.SetInnerHTML([]byte(`<p>next</p>`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if doc.ListenerCount() != 0 {
		t.Fatal("expected listeners cleared")
	}
	if !strings.Contains(doc.InnerHTML(), "<p>next</p>") {
		t.Fatalf("unexpected html %s", doc.InnerHTML())
	}
}

func TestClosest(t *testing.T) {
	doc, _ := Parse([]byte(fragment))
	opt := doc.Query(".quiz-option")
	if c := opt.Closest(".quiz-option"); !c.Is(opt) {
		t.Fatal("closest should include self")
	}
	if c := opt.Closest(".quiz-options"); c == nil {
		t.Fatal("expected ancestor match")
	}
	if c := opt.Closest(".nope"); c != nil {
		t.Fatal("expected nil")
	}
}
