package vfsmon

import (
	"errors"
	"testing"
)

func newTestDecoder(t *testing.T) *EventDecoder {
	t.Helper()
	decoder, err := NewEventDecoder()
	if err != nil {
		t.Fatalf("new decoder failed: %v", err)
	}
	return decoder
}

func TestDecodeCreatedEvent(t *testing.T) {
	decoder := newTestDecoder(t)
	event, err := decoder.Decode([]byte(`{"eventType":"created","itemPath":"/remote/docs/a.txt"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event == nil {
		t.Fatalf("expected an event")
	}
	if event.Kind != ChangeCreated {
		t.Fatalf("expected created kind, got %s", event.Kind)
	}
	if event.Path != "/remote/docs/a.txt" {
		t.Fatalf("unexpected path %s", event.Path)
	}
	if event.TargetPath != "" {
		t.Fatalf("expected empty target path, got %s", event.TargetPath)
	}
}

func TestDecodeFieldNamesAreCaseInsensitive(t *testing.T) {
	decoder := newTestDecoder(t)
	event, err := decoder.Decode([]byte(`{"EVENTTYPE":"moved","ItemPath":"/remote/a","TargetPath":"/remote/b"}`))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if event == nil || event.Kind != ChangeMoved {
		t.Fatalf("expected moved event, got %+v", event)
	}
	if event.Path != "/remote/a" || event.TargetPath != "/remote/b" {
		t.Fatalf("unexpected paths %s -> %s", event.Path, event.TargetPath)
	}
}

func TestDecodeEventTypeTokensAreCaseSensitive(t *testing.T) {
	decoder := newTestDecoder(t)
	event, err := decoder.Decode([]byte(`{"eventType":"Created","itemPath":"/remote/a"}`))
	if err != nil {
		t.Fatalf("expected unknown token to be ignored without error, got %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event for unknown token, got %+v", event)
	}
}

func TestDecodeUnknownEventTypeIsIgnored(t *testing.T) {
	decoder := newTestDecoder(t)
	event, err := decoder.Decode([]byte(`{"eventType":"renamed","itemPath":"/remote/a"}`))
	if err != nil {
		t.Fatalf("expected unknown event type to be ignored without error, got %v", err)
	}
	if event != nil {
		t.Fatalf("expected nil event, got %+v", event)
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	decoder := newTestDecoder(t)
	payloads := map[string]string{
		"invalid json":      `{"eventType":`,
		"not an object":     `["created"]`,
		"missing itemPath":  `{"eventType":"created"}`,
		"empty itemPath":    `{"eventType":"created","itemPath":""}`,
		"non-string path":   `{"eventType":"created","itemPath":42}`,
		"moved sans target": `{"eventType":"moved","itemPath":"/remote/a"}`,
	}
	for name, payload := range payloads {
		if _, err := decoder.Decode([]byte(payload)); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("%s: expected ErrMalformedPayload, got %v", name, err)
		}
	}
}

func TestDecodeLockTokens(t *testing.T) {
	decoder := newTestDecoder(t)
	for token, kind := range map[string]ChangeKind{
		"locked":   ChangeLocked,
		"unlocked": ChangeUnlocked,
		"deleted":  ChangeDeleted,
		"updated":  ChangeUpdated,
	} {
		event, err := decoder.Decode([]byte(`{"eventType":"` + token + `","itemPath":"/remote/a"}`))
		if err != nil {
			t.Fatalf("decode %s failed: %v", token, err)
		}
		if event == nil || event.Kind != kind {
			t.Fatalf("expected %s event, got %+v", kind, event)
		}
	}
}
