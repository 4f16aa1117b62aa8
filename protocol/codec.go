// Package protocol implements the CresControl line protocol: outbound
// commands are "key" (read) or "key=value" (write), inbound replies are
// "key::value". Malformed input is dropped, never an error — the device
// emits free-form text alongside parameter replies.
package protocol

import "strings"

// Delimiter separates key and value in device replies. Keys and values
// containing the delimiter are undefined at the device level; the first
// occurrence is treated as the split point.
const Delimiter = "::"

// BatchSeparator joins multiple commands in a single HTTP query.
const BatchSeparator = ";"

// EncodeCommand produces a read command for key, or a write command when
// value is non-empty. No key validation is performed: unknown keys are
// rejected by the device itself, as response text.
func EncodeCommand(key, value string) string {
	if value == "" {
		return key
	}
	return key + "=" + value
}

// EncodeBatch joins commands with the device's batch separator.
func EncodeBatch(commands []string) string {
	return strings.Join(commands, BatchSeparator)
}

// DecodeLine splits a reply line into key and value. Returns ok=false for
// lines without the delimiter and for device error payloads or command
// echoes, which arrive as JSON fragments in place of a plain value.
func DecodeLine(line string) (key, value string, ok bool) {
	idx := strings.Index(line, Delimiter)
	if idx < 0 {
		return "", "", false
	}

	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+len(Delimiter):])

	// The device answers unknown or failed commands with an error payload
	// and echoes structured commands back; neither is a parameter value.
	if strings.HasPrefix(value, `{"error"`) || strings.HasPrefix(key, `{"command"`) {
		return "", "", false
	}
	if key == "" {
		return "", "", false
	}

	return key, value, true
}

// ParseBatch decodes a multi-line response body (one "key::value" per
// line, as returned by the HTTP /command endpoint) into a key→value map.
// Undecodable lines are skipped.
func ParseBatch(body string) map[string]string {
	values := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if key, value, ok := DecodeLine(line); ok {
			values[key] = value
		}
	}
	return values
}
