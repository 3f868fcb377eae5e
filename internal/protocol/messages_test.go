package protocol

import "testing"

func TestEventSubject(t *testing.T) {
	cases := map[string]string{
		TopicSlideChange:     "deck.event.slide.change",
		TopicQuizInteraction: "deck.event.quiz.interaction",
		"custom":             "deck.event.custom",
	}
	for topic, want := range cases {
		if got := EventSubject(topic); got != want {
			t.Fatalf("EventSubject(%q) = %q, want %q", topic, got, want)
		}
	}
	if got := ControlSubject("deck-1"); got != "deck.control.deck-1.*" {
		t.Fatalf("unexpected control subject %q", got)
	}
}

func TestDecodePayload(t *testing.T) {
	v, err := DecodePayload(TopicQuizScore, []byte(`{"slideIndex":2,"score":1,"max":1}`))
	if err != nil {
		t.Fatal(err)
	}
	score, ok := v.(QuizScore)
	if !ok || score.SlideIndex != 2 || score.Score != 1 {
		t.Fatalf("unexpected payload %#v", v)
	}

	v, err = DecodePayload("plugin:custom", []byte(`{"ok":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if m, ok := v.(map[string]any); !ok || m["ok"] != true {
		t.Fatalf("unexpected payload %#v", v)
	}

	if _, err := DecodePayload(TopicSlideChange, []byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}
