// Package stage owns the slide display region: it mounts fetched slide
// content, marks the slide root active and renders the load failure
// placeholder.
package stage

import (
	"fmt"
	"html"
	"strconv"

	"github.com/loqalabs/loqa-deck/internal/dom"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys registered in the x/text catalog.
const (
	keyCounter    = "stage.counter"
	keyLoadFailed = "stage.load_failed"
)

func init() {
	en := language.English
	_ = message.SetString(en, keyCounter, "Slide %d / %d")
	_ = message.SetString(en, keyLoadFailed, "Failed to load slide %d")

	de := language.German
	_ = message.SetString(de, keyCounter, "Folie %d / %d")
	_ = message.SetString(de, keyLoadFailed, "Folie %d konnte nicht geladen werden")

	fr := language.French
	_ = message.SetString(fr, keyCounter, "Diapositive %d / %d")
	_ = message.SetString(fr, keyLoadFailed, "Échec du chargement de la diapositive %d")
}

// Counter mirrors the player's navigation chrome for one position.
type Counter struct {
	Label    string  `json:"label"`
	Progress float64 `json:"progress"`
	CanPrev  bool    `json:"can_prev"`
	CanNext  bool    `json:"can_next"`
}

// Stage is the single display region. Like dom.Document it is driven from the
// player goroutine only.
type Stage struct {
	doc     *dom.Document
	total   int
	printer *message.Printer
	epoch   int
	failed  bool
}

// New creates a stage for a deck of total slides using the given locale.
func New(total int, locale string) *Stage {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	if total < 1 {
		total = 1
	}
	return &Stage{
		doc:     dom.NewDocument(),
		total:   total,
		printer: message.NewPrinter(tag),
	}
}

// Mount replaces the region's content and activates the new slide root. A
// fragment without elements activates the region itself.
func (s *Stage) Mount(content []byte) (*dom.Element, error) {
	if err := s.doc.SetInnerHTML(content); err != nil {
		return nil, err
	}
	s.failed = false
	root := s.doc.FirstElement()
	if root == nil {
		root = s.doc.Container()
	}
	s.activate(root)
	return root, nil
}

// ShowError renders the failure placeholder naming the 1-based slide number.
func (s *Stage) ShowError(slide int, reason string) {
	title := s.printer.Sprintf(keyLoadFailed, slide)
	markup := fmt.Sprintf(`<div class="p-6 load-error"><h2 class="text-xl font-semibold">%s</h2><pre>%s</pre></div>`,
		html.EscapeString(title), html.EscapeString(reason))
	_ = s.doc.SetInnerHTML([]byte(markup))
	s.failed = true
}

// Failed reports whether the region currently shows the failure placeholder.
func (s *Stage) Failed() bool { return s.failed }

// Document exposes the region for inspection and event dispatch.
func (s *Stage) Document() *dom.Document { return s.doc }

// HTML renders the region's current content.
func (s *Stage) HTML() string { return s.doc.InnerHTML() }

// Click dispatches a click into the mounted slide.
func (s *Stage) Click(selector string) error { return s.doc.Click(selector) }

// Counter derives the navigation chrome for a 0-based index.
func (s *Stage) Counter(index int) Counter {
	n := index + 1
	return Counter{
		Label:    s.printer.Sprintf(keyCounter, n, s.total),
		Progress: float64(n) / float64(s.total),
		CanPrev:  index > 0,
		CanNext:  index < s.total-1,
	}
}

// activate marks root as the visible slide and restarts entrance animations.
func (s *Stage) activate(root *dom.Element) {
	if root == nil {
		return
	}
	root.AddClass("slide", "active")
	root.RemoveClass("hidden", "invisible", "opacity-0")
	root.RemoveAttr("hidden")
	if style, ok := root.Attr("style"); ok && isDisplayNone(style) {
		root.SetAttr("style", "display:flex")
	}
	s.epoch++
	epoch := strconv.Itoa(s.epoch)
	for _, el := range root.QueryAll(".animated-element") {
		el.SetAttr("data-animation-epoch", epoch)
	}
}

func isDisplayNone(style string) bool {
	compact := make([]rune, 0, len(style))
	for _, r := range style {
		if r != ' ' && r != '\t' {
			compact = append(compact, r)
		}
	}
	s := string(compact)
	return s == "display:none" || s == "display:none;"
}
