//go:build tinygo || wasm

// Package host exposes the player's host functions to guest plugins.
package host

import "unsafe"

// Result codes returned by the host.
const (
	OK         = 0
	NotAllowed = 1
	Failed     = 2
	NotFound   = 3
)

// Log forwards text to the player's log.
func Log(msg string) {
	if len(msg) == 0 {
		return
	}
	b := []byte(msg)
	hostLog(unsafe.Pointer(&b[0]), uint32(len(b)))
}

// Publish sends a course event if the manifest declares the topic.
func Publish(topic string, payload []byte) bool {
	if len(topic) == 0 {
		return false
	}
	ptr, n := bytesOf([]byte(topic))
	payloadPtr, payloadLen := bytesOf(payload)
	return hostPublish(ptr, n, payloadPtr, payloadLen) == OK
}

// SetText replaces the text of the first element matching selector inside
// the slide root. An empty selector targets the root.
func SetText(selector, text string) uint32 {
	selPtr, selLen := bytesOf([]byte(selector))
	textPtr, textLen := bytesOf([]byte(text))
	return hostSetText(selPtr, selLen, textPtr, textLen)
}

// ToggleClass flips class on the first element matching selector.
func ToggleClass(selector, class string) uint32 {
	selPtr, selLen := bytesOf([]byte(selector))
	clsPtr, clsLen := bytesOf([]byte(class))
	return hostToggleClass(selPtr, selLen, clsPtr, clsLen)
}

func bytesOf(b []byte) (unsafe.Pointer, uint32) {
	if len(b) == 0 {
		return nil, 0
	}
	return unsafe.Pointer(&b[0]), uint32(len(b))
}

//go:wasmimport env host_log
func hostLog(ptr unsafe.Pointer, length uint32)

//go:wasmimport env host_publish
func hostPublish(topicPtr unsafe.Pointer, topicLen uint32, payloadPtr unsafe.Pointer, payloadLen uint32) uint32

//go:wasmimport env host_set_text
func hostSetText(selPtr unsafe.Pointer, selLen uint32, textPtr unsafe.Pointer, textLen uint32) uint32

//go:wasmimport env host_toggle_class
func hostToggleClass(selPtr unsafe.Pointer, selLen uint32, clsPtr unsafe.Pointer, clsLen uint32) uint32
