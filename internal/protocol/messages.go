package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Course event topics published on the in-process event bus.
const (
	TopicCourseInit      = "course:init"
	TopicSlideChange     = "slide:change"
	TopicCourseComplete  = "course:complete"
	TopicQuizInteraction = "quiz:interaction"
	TopicQuizScore       = "quiz:score"
)

// Quiz interaction results.
const (
	ResultCorrect = "correct"
	ResultWrong   = "wrong"
)

// CourseInit is published once at boot.
type CourseInit struct {
	TotalSlides int    `json:"totalSlides"`
	Title       string `json:"title"`
}

// SlideChange is published after a slide is fully activated.
type SlideChange struct {
	Index int `json:"index"`
}

// CourseComplete is published on arrival at the last slide.
type CourseComplete struct {
	Index int `json:"index"`
}

// QuizInteraction reports a finished quiz question.
type QuizInteraction struct {
	SlideIndex int    `json:"slideIndex"`
	ID         string `json:"id"`
	Result     string `json:"result"`
	Response   string `json:"response"`
	Correct    string `json:"correct"`
}

// QuizScore reports the score of one quiz slide.
type QuizScore struct {
	SlideIndex int `json:"slideIndex"`
	Score      int `json:"score"`
	Max        int `json:"max"`
}

// NATS subjects used by the relay and presence services.
const (
	SubjectEventPrefix     = "deck.event"
	SubjectControlPrefix   = "deck.control"
	SubjectPlayerAnnounce  = "deck.player.announce"
	SubjectPlayerHeartbeat = "deck.player.heartbeat"
)

// Remote control commands accepted on deck.control.<player>.<command>.
const (
	CommandNext   = "next"
	CommandPrev   = "prev"
	CommandGoto   = "goto"
	CommandAuto   = "auto"
	CommandReload = "reload"
)

// EventEnvelope wraps a course event forwarded off-process.
type EventEnvelope struct {
	PlayerID  string    `json:"player_id"`
	AttemptID string    `json:"attempt_id,omitempty"`
	Name      string    `json:"name"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest is the optional body of a goto command.
type ControlRequest struct {
	Index int `json:"index"`
}

// ControlReply answers a control request when the sender asked for a reply.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Index int    `json:"index"`
	Error string `json:"error,omitempty"`
}

// EventSubject maps a topic such as "slide:change" to "deck.event.slide.change".
func EventSubject(topic string) string {
	return SubjectEventPrefix + "." + strings.ReplaceAll(topic, ":", ".")
}

// ControlSubject returns the wildcard control subject for a player.
func ControlSubject(playerID string) string {
	return SubjectControlPrefix + "." + playerID + ".*"
}

// DecodePayload unmarshals a JSON payload into the typed struct for topic.
// Unknown topics decode into a generic map.
func DecodePayload(topic string, data []byte) (any, error) {
	switch topic {
	case TopicCourseInit:
		return decode[CourseInit](topic, data)
	case TopicSlideChange:
		return decode[SlideChange](topic, data)
	case TopicCourseComplete:
		return decode[CourseComplete](topic, data)
	case TopicQuizInteraction:
		return decode[QuizInteraction](topic, data)
	case TopicQuizScore:
		return decode[QuizScore](topic, data)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return decode[map[string]any](topic, data)
}

func decode[T any](topic string, data []byte) (any, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", topic, err)
	}
	return v, nil
}
