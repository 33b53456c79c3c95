package utils

import (
	"bytes"
	"testing"
	"time"

	"encore.app/pkg/models"
	"encore.app/pkg/pubsub"
)

func sampleRecord() *models.HintRecord {
	record := models.NewHintRecordWithTTL("/data/tenants/42", []byte(`{"id":42,"isDir":true}`), 30*time.Minute)
	record.Metadata["source"] = "registry"
	return record
}

func TestMarshalUnmarshalHintRecord(t *testing.T) {
	record := sampleRecord()

	data, err := MarshalHintRecord(record)
	if err != nil {
		t.Fatalf("MarshalHintRecord() error = %v", err)
	}

	decoded, err := UnmarshalHintRecord(data)
	if err != nil {
		t.Fatalf("UnmarshalHintRecord() error = %v", err)
	}

	if decoded.Key != record.Key {
		t.Errorf("Key = %q, want %q", decoded.Key, record.Key)
	}
	if !bytes.Equal(decoded.Payload, record.Payload) {
		t.Errorf("Payload = %s, want %s", decoded.Payload, record.Payload)
	}
	if decoded.TTL != record.TTL {
		t.Errorf("TTL = %v, want %v", decoded.TTL, record.TTL)
	}
	if decoded.Metadata["source"] != "registry" {
		t.Errorf("Metadata = %v, want source=registry", decoded.Metadata)
	}
}

func TestMarshalHintRecordNil(t *testing.T) {
	if _, err := MarshalHintRecord(nil); err == nil {
		t.Error("MarshalHintRecord(nil) should return error")
	}
}

func TestUnmarshalHintRecordInvalid(t *testing.T) {
	if _, err := UnmarshalHintRecord(nil); err == nil {
		t.Error("UnmarshalHintRecord(empty) should return error")
	}
	if _, err := UnmarshalHintRecord([]byte("{not json")); err == nil {
		t.Error("UnmarshalHintRecord(invalid) should return error")
	}
}

func TestMarshalUnmarshalEvent_InvalidationEvent(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	event := &pubsub.InvalidationEvent{
		Version:     pubsub.EventVersion1,
		Service:     "metadatacache",
		InodeIDs:    []int64{42, 43},
		PathPrefix:  "/data/tenants/42",
		TriggeredAt: now,
		Meta:        map[string]string{"reason": "rename"},
		RequestID:   "req-123",
	}

	data, err := MarshalEvent(event)
	if err != nil {
		t.Fatalf("MarshalEvent() error = %v", err)
	}

	var decoded pubsub.InvalidationEvent
	if err := UnmarshalEvent(data, &decoded); err != nil {
		t.Fatalf("UnmarshalEvent() error = %v", err)
	}

	if decoded.Service != event.Service || decoded.PathPrefix != event.PathPrefix {
		t.Errorf("decoded = %+v, want service/prefix preserved", decoded)
	}
	if len(decoded.InodeIDs) != 2 || decoded.InodeIDs[0] != 42 {
		t.Errorf("InodeIDs = %v, want [42 43]", decoded.InodeIDs)
	}
	if !decoded.TriggeredAt.Equal(now) {
		t.Errorf("TriggeredAt = %v, want %v", decoded.TriggeredAt, now)
	}
}

func TestMarshalUnmarshalEvent_PrewarmCompletedEvent(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	event := &pubsub.PrewarmCompletedEvent{
		Version:       pubsub.EventVersion1,
		Service:       "prewarmer",
		Deployment:    2,
		Status:        "success",
		Duration:      1500 * time.Millisecond,
		EntriesWarmed: 480,
		CompletedAt:   now,
		RequestID:     "req-456",
	}

	data, err := MarshalEvent(event)
	if err != nil {
		t.Fatalf("MarshalEvent() error = %v", err)
	}

	var decoded pubsub.PrewarmCompletedEvent
	if err := UnmarshalEvent(data, &decoded); err != nil {
		t.Fatalf("UnmarshalEvent() error = %v", err)
	}

	if decoded.Deployment != 2 || decoded.EntriesWarmed != 480 || decoded.Status != "success" {
		t.Errorf("decoded = %+v, want deployment/entries/status preserved", decoded)
	}
}

func TestUnmarshalEventInvalid(t *testing.T) {
	var event pubsub.InvalidationEvent
	if err := UnmarshalEvent([]byte("{oops"), &event); err == nil {
		t.Error("UnmarshalEvent(invalid) should return error")
	}
}

func TestCompactAndPrettyJSON(t *testing.T) {
	pretty := []byte("{\n  \"path\": \"/a/b\",\n  \"deployment\": 2\n}")

	compact, err := CompactJSON(pretty)
	if err != nil {
		t.Fatalf("CompactJSON() error = %v", err)
	}
	if bytes.ContainsRune(compact, '\n') {
		t.Errorf("CompactJSON() = %s, want no newlines", compact)
	}

	roundTrip, err := PrettyJSON(compact)
	if err != nil {
		t.Fatalf("PrettyJSON() error = %v", err)
	}
	if !bytes.Contains(roundTrip, []byte("\n")) {
		t.Errorf("PrettyJSON() = %s, want indented output", roundTrip)
	}

	if _, err := CompactJSON([]byte("not json")); err == nil {
		t.Error("CompactJSON(invalid) should return error")
	}
}

func TestEstimateEncodedSize(t *testing.T) {
	size := EstimateEncodedSize(map[string]int{"deployment": 2})
	if size == 0 {
		t.Error("EstimateEncodedSize should be non-zero for a marshalable value")
	}
	if got := EstimateEncodedSize(make(chan int)); got != 0 {
		t.Errorf("EstimateEncodedSize(unmarshalable) = %d, want 0", got)
	}
}
