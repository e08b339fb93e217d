package runtime

import (
	"context"
	"testing"

	"github.com/agentoshq/agentos/pkg/canon"
)

func TestExtractKeyWalksDottedPath(t *testing.T) {
	event := map[string]interface{}{
		"order": map[string]interface{}{"id": "abc-123"},
	}
	got, ok, err := ExtractKey(event, "order.id")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected key to be extracted")
	}
	want, _ := canon.Encode("abc-123")
	if string(got) != string(want) {
		t.Fatalf("unexpected encoded key: %x vs %x", got, want)
	}
}

func TestExtractKeyReturnsFalseForEmptyKeyField(t *testing.T) {
	_, ok, err := ExtractKey(map[string]interface{}{"a": 1}, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected no key for empty key_field")
	}
}

func TestExtractKeyFailsOnMissingField(t *testing.T) {
	event := map[string]interface{}{"order": map[string]interface{}{}}
	if _, _, err := ExtractKey(event, "order.id"); err == nil {
		t.Fatal("expected error for missing field")
	}
}

func TestExtractKeyIndexesIntoArrays(t *testing.T) {
	event := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{"id": "first"},
			map[string]interface{}{"id": "second"},
		},
	}
	got, ok, err := ExtractKey(event, "items.1.id")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected key to be extracted")
	}
	want, _ := canon.Encode("second")
	if string(got) != string(want) {
		t.Fatalf("unexpected encoded key: %x vs %x", got, want)
	}
}

func TestFuncModuleSatisfiesModuleInterface(t *testing.T) {
	var m Module = Func(func(ctx context.Context, call CallContext, stateBytes []byte, eventCBOR []byte) (Output, error) {
		return Output{StateBytes: stateBytes}, nil
	})
	out, err := m.Step(context.Background(), CallContext{ReducerName: "r1"}, []byte("state"), []byte("event"))
	if err != nil {
		t.Fatal(err)
	}
	if string(out.StateBytes) != "state" {
		t.Fatalf("unexpected state passthrough: %s", out.StateBytes)
	}
}
