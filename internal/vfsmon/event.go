package vfsmon

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrMalformedPayload = errors.New("malformed notification payload")

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeUpdated  ChangeKind = "updated"
	ChangeMoved    ChangeKind = "moved"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeLocked   ChangeKind = "locked"
	ChangeUnlocked ChangeKind = "unlocked"
)

// ChangeEvent is one decoded remote mutation. TargetPath is set only for
// ChangeMoved.
type ChangeEvent struct {
	Kind       ChangeKind
	Path       string
	TargetPath string
}

// Field names are matched case-insensitively; keys are folded to lower case
// before validation.
const notificationSchema = `{
	"type": "object",
	"properties": {
		"eventtype": {"type": "string"},
		"itempath": {"type": "string", "minLength": 1},
		"targetpath": {"type": "string"}
	},
	"required": ["eventtype", "itempath"]
}`

type EventDecoder struct {
	schema *jsonschema.Schema
}

func NewEventDecoder() (*EventDecoder, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(notificationSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("notification.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("notification.json")
	if err != nil {
		return nil, err
	}
	return &EventDecoder{schema: schema}, nil
}

// Decode parses one raw notification payload. A nil event with a nil error
// means the payload was well formed but carried an unrecognized event type
// and should be ignored.
func (d *EventDecoder) Decode(payload []byte) (*ChangeEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	folded := make(map[string]any, len(raw))
	for key, value := range raw {
		folded[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if err := d.schema.Validate(folded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	eventType, _ := folded["eventtype"].(string)
	itemPath, _ := folded["itempath"].(string)
	targetPath, _ := folded["targetpath"].(string)

	// Event type tokens are an exact, case-sensitive set.
	var kind ChangeKind
	switch eventType {
	case "created":
		kind = ChangeCreated
	case "updated":
		kind = ChangeUpdated
	case "moved":
		kind = ChangeMoved
	case "deleted":
		kind = ChangeDeleted
	case "locked":
		kind = ChangeLocked
	case "unlocked":
		kind = ChangeUnlocked
	default:
		return nil, nil
	}

	event := &ChangeEvent{Kind: kind, Path: itemPath}
	if kind == ChangeMoved {
		if strings.TrimSpace(targetPath) == "" {
			return nil, fmt.Errorf("%w: moved notification without targetPath", ErrMalformedPayload)
		}
		event.TargetPath = targetPath
	}
	return event, nil
}
