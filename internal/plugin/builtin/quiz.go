package builtin

import (
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/loqalabs/loqa-deck/internal/plugin"
	"github.com/loqalabs/loqa-deck/internal/protocol"
)

// Quiz wires a single-choice question. Options are .quiz-option buttons inside
// .quiz-options; the correct one carries data-correct="true" or matches the
// "correct" hook option by label. The learner gets "attempts" tries (default
// 2); the interaction and score are published once the question is settled.
func Quiz(pub Publisher) plugin.Func {
	return func(root *dom.Element, opts plugin.Options) (plugin.Cleanup, error) {
		box := root.Query(".quiz-options")
		if box == nil {
			return noop, nil
		}
		q := &quiz{
			pub:          pub,
			feedback:     root.Query(".quiz-feedback"),
			attemptsEl:   root.Query(".quiz-attempts"),
			options:      root.QueryAll(".quiz-option"),
			slideIndex:   opts.SlideIndex(),
			attemptsLeft: opts.Int("attempts", 2),
		}
		q.id = opts.String("id", fmt.Sprintf("q%d", q.slideIndex+1))
		q.correct = q.findCorrect(opts.String("correct", ""))
		q.showAttempts()

		off := box.On("click", q.handleClick)
		return plugin.Cleanup(off), nil
	}
}

type quiz struct {
	pub          Publisher
	feedback     *dom.Element
	attemptsEl   *dom.Element
	options      []*dom.Element
	correct      *dom.Element
	id           string
	slideIndex   int
	attemptsLeft int
	answered     bool
}

func (q *quiz) findCorrect(label string) *dom.Element {
	for _, opt := range q.options {
		if opt.Data("correct") == "true" {
			return opt
		}
	}
	if label == "" {
		return nil
	}
	for _, opt := range q.options {
		if strings.EqualFold(optionLabel(opt), label) {
			return opt
		}
	}
	return nil
}

func (q *quiz) handleClick(evt dom.Event) {
	btn := evt.Target.Closest(".quiz-option")
	if btn == nil || q.answered || btn.Disabled() {
		return
	}
	response := optionLabel(btn)
	q.attemptsLeft--
	q.showAttempts()

	if btn.Is(q.correct) {
		q.answered = true
		btn.AddClass("correct")
		q.say("Correct!")
		q.lock()
		q.settle(protocol.ResultCorrect, response, 1)
		return
	}

	btn.AddClass("incorrect")
	btn.SetDisabled(true)
	if q.attemptsLeft > 0 {
		q.say("Incorrect. Try again.")
		return
	}
	q.answered = true
	q.say("Incorrect. The correct answer is highlighted.")
	q.lock()
	if q.correct != nil {
		q.correct.AddClass("correct")
	}
	q.settle(protocol.ResultWrong, response, 0)
}

func (q *quiz) settle(result, response string, score int) {
	if q.pub == nil {
		return
	}
	correct := ""
	if q.correct != nil {
		correct = optionLabel(q.correct)
	}
	q.pub.Publish(protocol.TopicQuizInteraction, protocol.QuizInteraction{
		SlideIndex: q.slideIndex,
		ID:         q.id,
		Result:     result,
		Response:   response,
		Correct:    correct,
	})
	q.pub.Publish(protocol.TopicQuizScore, protocol.QuizScore{
		SlideIndex: q.slideIndex,
		Score:      score,
		Max:        1,
	})
}

func (q *quiz) lock() {
	for _, opt := range q.options {
		opt.SetDisabled(true)
	}
}

func (q *quiz) say(msg string) {
	if q.feedback != nil {
		q.feedback.SetText(msg)
	}
}

func (q *quiz) showAttempts() {
	if q.attemptsEl != nil {
		q.attemptsEl.SetText(fmt.Sprintf("Attempts remaining: %d", q.attemptsLeft))
	}
}

func optionLabel(el *dom.Element) string {
	if label := el.Data("label"); label != "" {
		return label
	}
	return el.Text()
}
