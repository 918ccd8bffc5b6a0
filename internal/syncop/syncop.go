// Package syncop defines the vocabulary shared by the client queue and the server
// executor: target tables, actions and payload validation.
package syncop

import (
	"errors"
	"fmt"
	"strings"

	"github.com/liftsync/liftsync/internal/canonical"
)

// Table enumerates the resources a sync operation can target.
type Table string

const (
	// TableWorkouts stores logged workouts.
	TableWorkouts Table = "workouts"
	// TableExerciseDefs stores user-defined exercises.
	TableExerciseDefs Table = "exercise_defs"
	// TableWorkoutTemplates stores reusable workout templates.
	TableWorkoutTemplates Table = "workout_templates"
)

// Action enumerates supported mutations.
type Action string

const (
	// ActionUpsert inserts or fully replaces a row.
	ActionUpsert Action = "upsert"
	// ActionDelete removes a row owned by the caller.
	ActionDelete Action = "delete"
)

// MaxIdentifierLength bounds ids, user ids and idempotency keys to the storage column size.
const MaxIdentifierLength = 190

var (
	// ErrUnknownTable indicates a table outside the fixed enumeration.
	ErrUnknownTable = errors.New("syncop: unknown table")
	// ErrUnknownAction indicates an action other than upsert or delete.
	ErrUnknownAction = errors.New("syncop: unknown action")
	// ErrInvalidPayload indicates a payload that is not a JSON object with a usable id.
	ErrInvalidPayload = errors.New("syncop: invalid payload")
	// ErrInvalidIdentifier indicates an empty or oversized identifier.
	ErrInvalidIdentifier = errors.New("syncop: invalid identifier")
)

var allTables = []Table{TableWorkouts, TableExerciseDefs, TableWorkoutTemplates}

// Tables returns every supported table.
func Tables() []Table {
	return append([]Table(nil), allTables...)
}

// ParseTable validates raw input against the table enumeration.
func ParseTable(raw string) (Table, error) {
	candidate := Table(strings.TrimSpace(raw))
	for _, table := range allTables {
		if candidate == table {
			return table, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTable, raw)
}

// String returns the table name.
func (t Table) String() string {
	return string(t)
}

// ParseAction validates raw input against the action enumeration.
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionUpsert:
		return ActionUpsert, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
}

// String returns the action name.
func (a Action) String() string {
	return string(a)
}

// ValidateIdentifier trims and bounds an identifier.
func ValidateIdentifier(kind, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty %s", ErrInvalidIdentifier, kind)
	}
	if len(trimmed) > MaxIdentifierLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidIdentifier, kind, MaxIdentifierLength)
	}
	return trimmed, nil
}

// Payload is a decoded operation payload.
type Payload struct {
	Fields map[string]any
	RowID  string
}

// ParsePayload decodes raw JSON, requires a non-array object, and extracts its id.
func ParsePayload(raw []byte) (Payload, error) {
	decoded, err := canonical.Decode(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	fields, ok := decoded.(map[string]any)
	if !ok {
		return Payload{}, fmt.Errorf("%w: expected object, got %s", ErrInvalidPayload, describe(decoded))
	}
	rawID, ok := fields["id"].(string)
	if !ok {
		return Payload{}, fmt.Errorf("%w: id must be a string", ErrInvalidPayload)
	}
	rowID, err := ValidateIdentifier("row id", rawID)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return Payload{Fields: fields, RowID: rowID}, nil
}

func describe(value any) string {
	switch value.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	default:
		return "number"
	}
}
