// internal/types/models_test.go
package types

import (
	"encoding/json"
	"testing"
)

func TestMessageMetadataJSON(t *testing.T) {
	value := 2500000.0
	success := true
	secs := 1.5
	meta := MessageMetadata{
		Tool:           "Bash",
		Language:       "python",
		ExecutionTime:  &secs,
		Success:        &success,
		ValuationValue: &value,
		MethodType:     "DCF",
	}

	data, err := json.Marshal(meta)
	if err != nil {
		t.Fatal(err)
	}

	var decoded MessageMetadata
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.MethodType != "DCF" {
		t.Errorf("expected method DCF, got %s", decoded.MethodType)
	}
	if decoded.ValuationValue == nil || *decoded.ValuationValue != 2500000 {
		t.Errorf("unexpected valuation value: %+v", decoded.ValuationValue)
	}
	if decoded.ExecutionTime == nil || *decoded.ExecutionTime != 1.5 {
		t.Errorf("unexpected execution time: %+v", decoded.ExecutionTime)
	}
}

func TestMessageMetadataJSON_OmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(MessageMetadata{Tool: "Bash"})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"tool":"Bash"}` {
		t.Errorf("expected absent pointer fields to be omitted, got %s", data)
	}
}
