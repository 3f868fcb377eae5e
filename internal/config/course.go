package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Course is the declarative deck definition: slide list, per-slide hooks and
// playback options. It is read once and never mutated afterwards.
type Course struct {
	Title      string          `yaml:"title"`
	SlideCount int             `yaml:"slide_count"`
	Options    PlaybackOptions `yaml:"options"`
	Slides     []Slide         `yaml:"slides"`
	Scorm      ScormConfig     `yaml:"scorm"`
}

// PlaybackOptions control narration and auto-advance behavior.
type PlaybackOptions struct {
	AutoplayAudio      bool `yaml:"autoplay_audio"`
	AdvanceOnAudioEnd  bool `yaml:"advance_on_audio_end"`
	AutoAdvanceDelayMs int  `yaml:"auto_advance_delay_ms"`
	RememberProgress   bool `yaml:"remember_progress"`
}

// Slide describes one slide. Position in Course.Slides is its identity.
type Slide struct {
	ContentRef string `yaml:"html"`
	AudioRef   string `yaml:"audio"`
	Title      string `yaml:"title"`
	Hooks      []Hook `yaml:"hooks"`
}

// Hook asks for a named plugin to be activated on a slide. Keys other than
// use and target are collected into Options.
type Hook struct {
	Plugin  string
	Target  string
	Options map[string]any
}

// ScormConfig configures the LMS reporting bridge.
type ScormConfig struct {
	Enabled             bool    `yaml:"enabled"`
	MasteryScore        float64 `yaml:"mastery_score"`
	CompleteOnLastSlide bool    `yaml:"complete_on_last_slide"`
	EvaluateOnLastSlide bool    `yaml:"evaluate_on_last_slide"`
}

func (h *Hook) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	use, _ := raw["use"].(string)
	target, _ := raw["target"].(string)
	delete(raw, "use")
	delete(raw, "target")
	h.Plugin = use
	h.Target = target
	h.Options = raw
	return nil
}

func (h Hook) MarshalYAML() (any, error) {
	out := make(map[string]any, len(h.Options)+2)
	for k, v := range h.Options {
		out[k] = v
	}
	out["use"] = h.Plugin
	if h.Target != "" {
		out["target"] = h.Target
	}
	return out, nil
}

// DefaultCourse carries the player defaults applied before a course file is read.
func DefaultCourse() Course {
	return Course{
		Options: PlaybackOptions{
			AutoplayAudio:      false,
			AdvanceOnAudioEnd:  false,
			AutoAdvanceDelayMs: 3500,
			RememberProgress:   true,
		},
		Scorm: ScormConfig{
			MasteryScore: 70,
		},
	}
}

// LoadCourse reads, normalizes and validates a course file.
func LoadCourse(path string) (Course, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Course{}, fmt.Errorf("failed to read course file: %w", err)
	}
	return ParseCourse(data)
}

// ParseCourse decodes a course definition from YAML.
func ParseCourse(data []byte) (Course, error) {
	course := DefaultCourse()
	if err := yaml.Unmarshal(data, &course); err != nil {
		return Course{}, fmt.Errorf("failed to parse course file: %w", err)
	}
	course.normalize()
	if err := course.Validate(); err != nil {
		return Course{}, err
	}
	return course, nil
}

// normalize pads the slide list to SlideCount and fills per-slide defaults.
func (c *Course) normalize() {
	for len(c.Slides) < c.SlideCount {
		c.Slides = append(c.Slides, Slide{})
	}
	if len(c.Slides) == 0 {
		c.Slides = append(c.Slides, Slide{})
	}
	for i := range c.Slides {
		n := i + 1
		s := &c.Slides[i]
		if s.ContentRef == "" {
			s.ContentRef = fmt.Sprintf("slides/slide%d.html", n)
		}
		if s.AudioRef == "" {
			s.AudioRef = fmt.Sprintf("audio/slide%d.mp3", n)
		}
		if s.Title == "" {
			s.Title = fmt.Sprintf("Slide %d", n)
		}
	}
}

// Validate checks a normalized course.
func (c Course) Validate() error {
	if len(c.Slides) == 0 {
		return errors.New("course must contain at least one slide")
	}
	if c.Options.AutoAdvanceDelayMs < 0 {
		return errors.New("options.auto_advance_delay_ms must be >= 0")
	}
	if c.Scorm.MasteryScore < 0 || c.Scorm.MasteryScore > 100 {
		return errors.New("scorm.mastery_score must be between 0 and 100")
	}
	for i, s := range c.Slides {
		for j, h := range s.Hooks {
			if h.Plugin == "" {
				return fmt.Errorf("slide %d hook %d: use must name a plugin", i+1, j+1)
			}
		}
	}
	return nil
}

// Total returns the number of slides.
func (c Course) Total() int { return len(c.Slides) }
