// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

// Package keymap translates driver-supplied input into the byte
// sequences a terminal would send. Input arrives either as a raw
// string (passed through verbatim) or as a structured record carrying
// hex bytes, literal text, key tokens like "ctrl+c" or "shift+pgup",
// and paste content wrapped in bracketed-paste markers.
//
// The encoder is a pure function over a small token grammar; it never
// touches the PTY. Unknown tokens are forwarded literally so a driver
// can always fall back to raw bytes.
package keymap
