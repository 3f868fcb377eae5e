// Package builtin provides the stock slide behaviors: show/hide toggles, flip
// cards and single-choice quizzes.
package builtin

import (
	"errors"

	"github.com/loqalabs/loqa-deck/internal/dom"
	"github.com/loqalabs/loqa-deck/internal/plugin"
)

// Publisher receives quiz events.
type Publisher interface {
	Publish(name string, payload any)
}

// Register adds the builtin plugins to reg.
func Register(reg *plugin.Registry, pub Publisher) error {
	return errors.Join(
		reg.Register("buttonToggle", ButtonToggle),
		reg.Register("flipCard", FlipCard),
		reg.Register("quiz", Quiz(pub)),
	)
}

func noop() {}

// find resolves a selector inside root first, then anywhere in the display region.
func find(root *dom.Element, selector string) *dom.Element {
	if selector == "" {
		return nil
	}
	if el := root.Query(selector); el != nil {
		return el
	}
	return root.Document().Query(selector)
}

// ButtonToggle shows and hides the element named by "toggles" when the
// "target" button is clicked, swapping the button text between onText and
// offText.
func ButtonToggle(root *dom.Element, opts plugin.Options) (plugin.Cleanup, error) {
	btn := find(root, opts.String("target", ""))
	tgt := find(root, opts.String("toggles", ""))
	if btn == nil || tgt == nil {
		return noop, nil
	}
	onText := opts.String("onText", "Hide")
	offText := opts.String("offText", "Show")

	off := btn.On("click", func(dom.Event) {
		if tgt.ToggleClass("hidden") {
			btn.SetText(offText)
		} else {
			btn.SetText(onText)
		}
	})
	return plugin.Cleanup(off), nil
}

// FlipCard toggles is-flipped on the target card when it is clicked.
func FlipCard(root *dom.Element, opts plugin.Options) (plugin.Cleanup, error) {
	card := find(root, opts.String("target", ""))
	if card == nil {
		return noop, nil
	}
	off := card.On("click", func(dom.Event) {
		card.ToggleClass("is-flipped")
	})
	return plugin.Cleanup(off), nil
}
