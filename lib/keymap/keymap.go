// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package keymap

import (
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Input is the structured form of driver input. The translated bytes
// are the concatenation, in order, of: decoded Hex entries, Text, each
// Keys token, and Paste wrapped in bracketed-paste markers.
type Input struct {
	// Text is sent verbatim.
	Text string

	// Keys are key tokens ("enter", "ctrl+c", "shift+pgup", ...).
	Keys []string

	// Hex entries are hex-encoded byte strings ("1b5b41").
	Hex []string

	// Paste is wrapped in ESC[200~ ... ESC[201~ so paste-aware
	// children treat it as a single paste.
	Paste string
}

const (
	pasteStart = "\x1b[200~"
	pasteEnd   = "\x1b[201~"
)

// Translate encodes a structured input record into PTY bytes.
// Hex decode failures are reported; everything else always succeeds.
func Translate(input Input) ([]byte, error) {
	var out []byte

	for _, h := range input.Hex {
		decoded, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decoding hex input %q: %w", h, err)
		}
		out = append(out, decoded...)
	}

	out = append(out, input.Text...)

	for _, token := range input.Keys {
		out = append(out, EncodeKey(token)...)
	}

	if input.Paste != "" {
		out = append(out, pasteStart...)
		out = append(out, input.Paste...)
		out = append(out, pasteEnd...)
	}

	return out, nil
}

// modifiers holds the parsed modifier prefixes of a key token.
type modifiers struct {
	ctrl  bool
	alt   bool
	shift bool
}

// xtermCode is the bitmask parameter of the xterm modified-key
// encoding: mod = 1 + shift + 2*alt + 4*ctrl.
func (m modifiers) xtermCode() int {
	code := 1
	if m.shift {
		code++
	}
	if m.alt {
		code += 2
	}
	if m.ctrl {
		code += 4
	}
	return code
}

func (m modifiers) any() bool { return m.ctrl || m.alt || m.shift }

// splitModifiers consumes modifier prefixes ("ctrl+", "c-", "alt+",
// "m-", "shift+", "s-", in any order and either separator) and returns
// the remaining base token.
func splitModifiers(token string) (modifiers, string) {
	var mods modifiers
	rest := token
	for {
		lower := strings.ToLower(rest)
		switch {
		case strings.HasPrefix(lower, "ctrl+"), strings.HasPrefix(lower, "ctrl-"):
			mods.ctrl = true
			rest = rest[5:]
		case strings.HasPrefix(lower, "c-"):
			mods.ctrl = true
			rest = rest[2:]
		case strings.HasPrefix(lower, "alt+"), strings.HasPrefix(lower, "alt-"):
			mods.alt = true
			rest = rest[4:]
		case strings.HasPrefix(lower, "m-"):
			mods.alt = true
			rest = rest[2:]
		case strings.HasPrefix(lower, "shift+"), strings.HasPrefix(lower, "shift-"):
			mods.shift = true
			rest = rest[6:]
		case strings.HasPrefix(lower, "s-") && len(rest) > 2:
			mods.shift = true
			rest = rest[2:]
		default:
			return mods, rest
		}
	}
}

// cursorKey describes a key that uses the xterm CSI encoding. Keys
// with a non-zero letter encode as ESC[<letter> plain and
// ESC[1;<mod><letter> modified; keys with a number encode as
// ESC[<number>~ plain and ESC[<number>;<mod>~ modified.
type cursorKey struct {
	letter byte
	number int
}

var cursorKeys = map[string]cursorKey{
	"up":       {letter: 'A'},
	"down":     {letter: 'B'},
	"right":    {letter: 'C'},
	"left":     {letter: 'D'},
	"home":     {letter: 'H'},
	"end":      {letter: 'F'},
	"insert":   {number: 2},
	"ic":       {number: 2},
	"delete":   {number: 3},
	"del":      {number: 3},
	"dc":       {number: 3},
	"pageup":   {number: 5},
	"pgup":     {number: 5},
	"ppage":    {number: 5},
	"pagedown": {number: 6},
	"pgdn":     {number: 6},
	"npage":    {number: 6},
}

// plainKeys maps base tokens with fixed encodings that ignore the
// xterm modifier scheme.
var plainKeys = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"tab":       "\t",
	"btab":      "\x1b[Z",
	"space":     " ",
	"backspace": "\x7f",
	"bspace":    "\x7f",

	// Application keypad.
	"kp0":     "\x1bOp",
	"kp1":     "\x1bOq",
	"kp2":     "\x1bOr",
	"kp3":     "\x1bOs",
	"kp4":     "\x1bOt",
	"kp5":     "\x1bOu",
	"kp6":     "\x1bOv",
	"kp7":     "\x1bOw",
	"kp8":     "\x1bOx",
	"kp9":     "\x1bOy",
	"kp/":     "\x1bOo",
	"kp*":     "\x1bOj",
	"kp-":     "\x1bOm",
	"kp+":     "\x1bOk",
	"kp.":     "\x1bOn",
	"kpenter": "\x1bOM",
}

// functionKeys maps f1..f12. f1-f4 use the SS3 encoding; f5+ use the
// CSI number encoding.
var functionKeys = map[string]struct {
	ss3    byte // non-zero for f1..f4
	number int
}{
	"f1":  {ss3: 'P', number: 1},
	"f2":  {ss3: 'Q', number: 1},
	"f3":  {ss3: 'R', number: 1},
	"f4":  {ss3: 'S', number: 1},
	"f5":  {number: 15},
	"f6":  {number: 17},
	"f7":  {number: 18},
	"f8":  {number: 19},
	"f9":  {number: 20},
	"f10": {number: 21},
	"f11": {number: 23},
	"f12": {number: 24},
}

// ctrlSpecials are the C0 controls reachable only through punctuation.
var ctrlSpecials = map[string]byte{
	"[":  0x1b,
	"\\": 0x1c,
	"]":  0x1d,
	"^":  0x1e,
	"_":  0x1f,
	"?":  0x7f,
}

// EncodeKey translates one key token into bytes. Unknown tokens are
// forwarded literally.
func EncodeKey(token string) []byte {
	mods, base := splitModifiers(token)
	lower := strings.ToLower(base)

	if key, ok := cursorKeys[lower]; ok {
		return encodeCursorKey(key, mods)
	}

	if fn, ok := functionKeys[lower]; ok {
		return encodeFunctionKey(fn.ss3, fn.number, mods)
	}

	if seq, ok := plainKeys[lower]; ok {
		// shift+tab is btab.
		if lower == "tab" && mods.shift {
			return []byte("\x1b[Z")
		}
		if mods.alt {
			return append([]byte{0x1b}, seq...)
		}
		return []byte(seq)
	}

	if mods.ctrl {
		if b, ok := ctrlSpecials[base]; ok {
			if mods.alt {
				return []byte{0x1b, b}
			}
			return []byte{b}
		}
	}

	// Single printable character with modifiers.
	if utf8.RuneCountInString(base) == 1 {
		return encodeRune([]rune(base)[0], mods)
	}

	// Unknown token: forward literally.
	return []byte(token)
}

func encodeCursorKey(key cursorKey, mods modifiers) []byte {
	if key.letter != 0 {
		if mods.any() {
			return []byte(fmt.Sprintf("\x1b[1;%d%c", mods.xtermCode(), key.letter))
		}
		return []byte{0x1b, '[', key.letter}
	}
	if mods.any() {
		return []byte(fmt.Sprintf("\x1b[%d;%d~", key.number, mods.xtermCode()))
	}
	return []byte(fmt.Sprintf("\x1b[%d~", key.number))
}

func encodeFunctionKey(ss3 byte, number int, mods modifiers) []byte {
	if ss3 != 0 {
		if mods.any() {
			return []byte(fmt.Sprintf("\x1b[1;%d%c", mods.xtermCode(), ss3))
		}
		return []byte{0x1b, 'O', ss3}
	}
	if mods.any() {
		return []byte(fmt.Sprintf("\x1b[%d;%d~", number, mods.xtermCode()))
	}
	return []byte(fmt.Sprintf("\x1b[%d~", number))
}

// encodeRune applies modifiers to a single printable character:
// shift uppercases, ctrl applies the C0 mapping, alt prefixes ESC.
func encodeRune(r rune, mods modifiers) []byte {
	if mods.shift {
		r = unicode.ToUpper(r)
	}

	var body []byte
	if mods.ctrl && r < 128 {
		upper := byte(unicode.ToUpper(r))
		if upper >= '@' && upper <= '_' {
			body = []byte{upper & 0x1f}
		}
	}
	if body == nil {
		body = []byte(string(r))
	}

	if mods.alt {
		return append([]byte{0x1b}, body...)
	}
	return body
}
