// Copyright 2026 The Interactive Shell Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import "encoding/json"

// ToolName is the registered name of the single driver-facing tool.
const ToolName = "interactive_shell"

// ToolDescription is the human-readable tool description.
const ToolDescription = "Run and supervise an interactive child process under a PTY: " +
	"start a session (blocking or hands-free), read its output, send " +
	"keystrokes, adjust update settings, or kill it."

// InputSchema is the JSON Schema of the tool's request — the union of
// the start and query shapes. A command without a session_id starts a
// session; a session_id addresses a running one.
var InputSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "command":          {"type": "string", "description": "Shell command to run (start)"},
    "cwd":              {"type": "string", "description": "Working directory for the child"},
    "name":             {"type": "string", "description": "Human-readable session name"},
    "reason":           {"type": "string", "description": "Why the session is being started"},
    "mode":             {"type": "string", "enum": ["interactive", "hands-free"]},
    "hands_free":       {"type": "boolean", "description": "Shorthand for mode=hands-free"},
    "timeout_ms":       {"type": "integer", "description": "Hard deadline; 0 disables"},
    "handoff_preview":  {"type": "boolean", "description": "Override config: in-result tail preview"},
    "handoff_snapshot": {"type": "boolean", "description": "Override config: on-disk snapshot"},
    "session_id":       {"type": "string", "description": "Target session for a query"},
    "output_lines":     {"type": "integer", "description": "Rendered lines to return (max 200)"},
    "output_max_chars": {"type": "integer", "description": "Output byte bound (max 51200)"},
    "output_offset":    {"type": "integer", "description": "Absolute line index to read from"},
    "incremental":      {"type": "boolean", "description": "Advance the server-side line cursor"},
    "drain":            {"type": "boolean", "description": "Return only new raw-stream bytes"},
    "input":            {"type": "string", "description": "Literal text to send"},
    "input_keys":       {"type": "array", "items": {"type": "string"}, "description": "Key tokens (ctrl+c, enter, shift+pgup, ...)"},
    "input_hex":        {"type": "array", "items": {"type": "string"}, "description": "Hex-encoded byte strings"},
    "input_paste":      {"type": "string", "description": "Text wrapped in bracketed-paste markers"},
    "settings": {
      "type": "object",
      "properties": {
        "update_interval": {"type": "integer", "description": "Hands-free interval ms"},
        "quiet_threshold": {"type": "integer", "description": "Quiet window ms"}
      }
    },
    "kill": {"type": "boolean", "description": "Terminate the session (takes precedence)"}
  }
}`)
