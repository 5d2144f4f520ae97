package protocol

import (
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestMessageTypeCodes(t *testing.T) {
	tests := []struct {
		code MessageTypeCode
		want byte
	}{
		{JOIN_PROJECT, 0x10},
		{LEAVE_PROJECT, 0x11},
		{INITIAL_TASKS, 0x12},
		{TASK_CREATED, 0x20},
		{TASKS_REORDERED, 0x24},
		{CRAWL_SUBSCRIBE, 0x30},
		{CRAWL_SUBSCRIBE_ACK, 0x32},
		{CRAWL_ERROR, 0x36},
		{DOCUMENT_CHANGE, 0x40},
		{DOCUMENT_BATCH_UPDATE, 0x41},
		{CONFLICT_DETECTED, 0x46},
		{PING, 0x50},
		{PONG, 0x51},
		{ERROR, 0xFF},
	}

	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("MessageTypeCode %v = %#x, want %#x", tt.code, byte(tt.code), tt.want)
		}
	}
}

func TestBidirectionalMapping(t *testing.T) {
	for code, name := range typeCodeToName {
		gotCode, ok := typeNameToCode[name]
		if !ok {
			t.Errorf("type name %q not found in typeNameToCode", name)
			continue
		}
		if gotCode != code {
			t.Errorf("typeNameToCode[%q] = %#x, want %#x", name, gotCode, code)
		}
	}
}

func TestEncodeMessage(t *testing.T) {
	tests := []struct {
		name     string
		msg      *Message
		wantCode MessageTypeCode
	}{
		{
			name:     "join project",
			msg:      &Message{Type: TypeJoinProject, Timestamp: 1700000000000, Data: map[string]any{"project_id": "p1"}},
			wantCode: JOIN_PROJECT,
		},
		{
			name:     "ping with no data",
			msg:      &Message{Type: TypePing, Timestamp: 42},
			wantCode: PING,
		},
		{
			name:     "unknown type falls back to error code",
			msg:      &Message{Type: "no_such_type", Timestamp: 1},
			wantCode: ERROR,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeMessage(tt.msg)
			if err != nil {
				t.Fatalf("EncodeMessage() error = %v", err)
			}
			if data[0] != byte(tt.wantCode) {
				t.Errorf("type byte = %#x, want %#x", data[0], byte(tt.wantCode))
			}
			if got := int64(binary.BigEndian.Uint64(data[1:9])); got != tt.msg.Timestamp {
				t.Errorf("timestamp = %d, want %d", got, tt.msg.Timestamp)
			}
			if got := binary.BigEndian.Uint32(data[9:13]); int(got) != len(data)-13 {
				t.Errorf("data length = %d, want %d", got, len(data)-13)
			}
		})
	}
}

func TestDecodeMessageJSON(t *testing.T) {
	raw := []byte(`{"type":"task_updated","id":"m1","timestamp":1700000000000,"data":{"task_id":"t1","title":"renamed"}}`)

	msg, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if msg.Type != TypeTaskUpdated {
		t.Errorf("Type = %q, want %q", msg.Type, TypeTaskUpdated)
	}
	if msg.ID != "m1" {
		t.Errorf("ID = %q, want m1", msg.ID)
	}
	if msg.String("task_id") != "t1" {
		t.Errorf("task_id = %q, want t1", msg.String("task_id"))
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"missing type", []byte(`{"data":{}}`)},
		{"truncated binary header", []byte{0x10, 0x00}},
		{"binary shorter than declared length", func() []byte {
			buf := make([]byte, 13)
			buf[0] = byte(PING)
			binary.BigEndian.PutUint32(buf[9:13], 100)
			return buf
		}()},
		{"invalid JSON", []byte(`{"type":`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); err == nil {
				t.Error("DecodeMessage() expected error, got nil")
			}
		})
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	original := &Message{
		Type:      TypeCrawlProgress,
		Timestamp: time.Now().UnixMilli(),
		Data:      map[string]any{"progressId": "crawl-7", "percentage": 42.5, "status": "running"},
	}

	encoded, err := EncodeMessage(original)
	if err != nil {
		t.Fatalf("EncodeMessage() error = %v", err)
	}
	decoded, err := DecodeMessage(encoded)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}

	if decoded.Type != original.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, original.Type)
	}
	if decoded.Timestamp != original.Timestamp {
		t.Errorf("Timestamp = %d, want %d", decoded.Timestamp, original.Timestamp)
	}
	if decoded.String("progressId") != "crawl-7" {
		t.Errorf("progressId = %q, want crawl-7", decoded.String("progressId"))
	}
}

func TestJSONRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("JSON frames preserve type, timestamp, and data", prop.ForAll(
		func(msgType, key, value string, ts int64) bool {
			if msgType == "" {
				msgType = TypePing
			}
			original := &Message{
				Type:      msgType,
				Timestamp: ts,
				Data:      map[string]any{key: value},
			}

			encoded, err := EncodeJSON(original)
			if err != nil {
				return false
			}
			decoded, err := DecodeMessage(encoded)
			if err != nil {
				return false
			}
			var back map[string]any
			if err := json.Unmarshal(encoded, &back); err != nil {
				return false
			}

			return decoded.Type == original.Type &&
				decoded.Timestamp == original.Timestamp &&
				decoded.String(key) == value
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.AnyString(),
		gen.Int64Range(1, 1<<52),
	))

	properties.TestingRun(t)
}
