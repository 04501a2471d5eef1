// Package realtime applies pushed change notifications to the cache.
//
// A ChangeEvent is authoritative: the Patcher writes it straight into the
// cached list it belongs to, with no snapshot or rollback. When the event
// cannot be located in, or shape-matched against, a cached entry the
// Patcher falls back to invalidating every entry of the table for the
// record's owner.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/prayersync/internal/syncerr"
)

// Action is the kind of change a ChangeEvent reports.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

// ParseAction accepts created|updated|deleted and the database trigger
// spellings INSERT|UPDATE|DELETE, case-insensitively.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "created", "insert":
		return ActionCreated, nil
	case "updated", "update":
		return ActionUpdated, nil
	case "deleted", "delete":
		return ActionDeleted, nil
	default:
		return "", syncerr.Validation("decode change event", "unknown action %q", s)
	}
}

// ChangeEvent is a remote change of one record.
type ChangeEvent struct {
	Table  string          `json:"table"`
	Action Action          `json:"action"`
	Record json.RawMessage `json:"record"`
}

type envelope struct {
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Type      string          `json:"type"`
	EventType string          `json:"eventType"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// DecodeEvent decodes a wire envelope. The action may be carried in
// "action", "type" or "eventType"; a delete without "record" uses
// "old_record".
func DecodeEvent(data []byte) (ChangeEvent, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ChangeEvent{}, syncerr.Validation("decode change event", "malformed envelope: %v", err)
	}
	if env.Table == "" {
		return ChangeEvent{}, syncerr.Validation("decode change event", "table is required")
	}

	raw := env.Action
	for _, alt := range []string{env.Type, env.EventType} {
		if raw == "" {
			raw = alt
		}
	}
	action, err := ParseAction(raw)
	if err != nil {
		return ChangeEvent{}, err
	}

	record := env.Record
	if isEmpty(record) {
		record = env.OldRecord
	}
	if isEmpty(record) {
		return ChangeEvent{}, syncerr.Validation("decode change event", "%s %s: record is required", env.Table, action)
	}
	return ChangeEvent{Table: env.Table, Action: action, Record: record}, nil
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s", e.Table, e.Action)
}

func isEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}
