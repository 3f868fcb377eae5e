//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/loqalabs/loqa-deck/plugins/examples/internal/host"
)

type stampOptions struct {
	Target    string `json:"target"`
	Text      string `json:"text"`
	Highlight string `json:"highlight"`
}

//export run
func run() {
	var opts stampOptions
	if raw := os.Getenv("DECK_PLUGIN_OPTIONS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			host.Log("failed to decode options: " + err.Error())
			return
		}
	}
	slide, _ := strconv.Atoi(os.Getenv("DECK_SLIDE_INDEX"))
	text := opts.Text
	if text == "" {
		text = fmt.Sprintf("Slide %d", slide+1)
	}
	if code := host.SetText(opts.Target, text); code != host.OK {
		host.Log(fmt.Sprintf("stamp %q failed with code %d", opts.Target, code))
		return
	}
	if opts.Highlight != "" {
		host.ToggleClass(opts.Target, opts.Highlight)
	}
}

//export cleanup
func cleanup() {
	host.Log("stamp detached")
}

func main() {}
