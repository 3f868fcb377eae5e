package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// SourcePlaceholder is replaced by the track location in a player command.
const SourcePlaceholder = "{src}"

func parseCommand(command, kind string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", kind, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command empty", kind)
	}
	return args, nil
}

// ExecSpeaker pipes each utterance as JSON to an external synthesizer and
// waits for it to exit.
type ExecSpeaker struct {
	cmd   []string
	voice string
	mu    sync.Mutex
}

type speakRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

func NewExecSpeaker(command, voice string) (*ExecSpeaker, error) {
	args, err := parseCommand(command, "speech")
	if err != nil {
		return nil, err
	}
	return &ExecSpeaker{cmd: args, voice: voice}, nil
}

func (e *ExecSpeaker) Speak(ctx context.Context, text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(speakRequest{Text: text, Voice: e.voice})
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write(data); err != nil {
		stdin.Close()
		cmd.Wait()
		return err
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speech command: %w", err)
	}
	return nil
}

// ExecPlayer plays tracks with an external command such as
// "ffplay -nodisp -autoexit {src}". Without a placeholder the source is
// appended as the last argument.
type ExecPlayer struct {
	cmd []string
	mu  sync.Mutex
}

func NewExecPlayer(command string) (*ExecPlayer, error) {
	args, err := parseCommand(command, "player")
	if err != nil {
		return nil, err
	}
	return &ExecPlayer{cmd: args}, nil
}

func (p *ExecPlayer) Play(ctx context.Context, src string) error {
	if src == "" {
		return ErrUnavailable
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	args := make([]string, 0, len(p.cmd)+1)
	substituted := false
	for _, a := range p.cmd {
		if strings.Contains(a, SourcePlaceholder) {
			a = strings.ReplaceAll(a, SourcePlaceholder, src)
			substituted = true
		}
		args = append(args, a)
	}
	if !substituted {
		args = append(args, src)
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, src, err)
	}
	return nil
}
