package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// MessageTypeCode represents binary message type codes (must match the server exactly)
type MessageTypeCode byte

const (
	JOIN_PROJECT  MessageTypeCode = 0x10
	LEAVE_PROJECT MessageTypeCode = 0x11
	INITIAL_TASKS MessageTypeCode = 0x12

	TASK_CREATED    MessageTypeCode = 0x20
	TASK_UPDATED    MessageTypeCode = 0x21
	TASK_DELETED    MessageTypeCode = 0x22
	TASK_ARCHIVED   MessageTypeCode = 0x23
	TASKS_REORDERED MessageTypeCode = 0x24

	CRAWL_SUBSCRIBE     MessageTypeCode = 0x30
	CRAWL_UNSUBSCRIBE   MessageTypeCode = 0x31
	CRAWL_SUBSCRIBE_ACK MessageTypeCode = 0x32
	CRAWL_PROGRESS      MessageTypeCode = 0x33
	PROGRESS_UPDATE     MessageTypeCode = 0x34
	CRAWL_COMPLETE      MessageTypeCode = 0x35
	CRAWL_ERROR         MessageTypeCode = 0x36

	DOCUMENT_CHANGE       MessageTypeCode = 0x40
	DOCUMENT_BATCH_UPDATE MessageTypeCode = 0x41
	DOCUMENT_UPDATED      MessageTypeCode = 0x42
	DOCUMENT_DELETED      MessageTypeCode = 0x43
	DOCUMENT_LOCKED       MessageTypeCode = 0x44
	DOCUMENT_UNLOCKED     MessageTypeCode = 0x45
	CONFLICT_DETECTED     MessageTypeCode = 0x46
	SYNC_REQUEST          MessageTypeCode = 0x47

	PING  MessageTypeCode = 0x50
	PONG  MessageTypeCode = 0x51
	ERROR MessageTypeCode = 0xFF
)

// MessageType represents string message type names
const (
	TypeJoinProject  = "join_project"
	TypeLeaveProject = "leave_project"
	TypeInitialTasks = "initial_tasks"

	TypeTaskCreated    = "task_created"
	TypeTaskUpdated    = "task_updated"
	TypeTaskDeleted    = "task_deleted"
	TypeTaskArchived   = "task_archived"
	TypeTasksReordered = "tasks_reordered"

	TypeCrawlSubscribe    = "crawl_subscribe"
	TypeCrawlUnsubscribe  = "crawl_unsubscribe"
	TypeCrawlSubscribeAck = "crawl_subscribe_ack"
	TypeCrawlProgress     = "crawl_progress"
	TypeProgressUpdate    = "progress_update"
	TypeCrawlComplete     = "crawl_complete"
	TypeCrawlError        = "crawl_error"

	TypeDocumentChange      = "document_change"
	TypeDocumentBatchUpdate = "document_batch_update"
	TypeDocumentUpdated     = "document_updated"
	TypeDocumentDeleted     = "document_deleted"
	TypeDocumentLocked      = "document_locked"
	TypeDocumentUnlocked    = "document_unlocked"
	TypeConflictDetected    = "conflict_detected"
	TypeSyncRequest         = "sync_request"

	TypePing  = "ping"
	TypePong  = "pong"
	TypeError = "error"

	// TypeAny matches every inbound message when used as a handler key.
	TypeAny = "*"
)

// Map type codes to type names
var typeCodeToName = map[MessageTypeCode]string{
	JOIN_PROJECT:          TypeJoinProject,
	LEAVE_PROJECT:         TypeLeaveProject,
	INITIAL_TASKS:         TypeInitialTasks,
	TASK_CREATED:          TypeTaskCreated,
	TASK_UPDATED:          TypeTaskUpdated,
	TASK_DELETED:          TypeTaskDeleted,
	TASK_ARCHIVED:         TypeTaskArchived,
	TASKS_REORDERED:       TypeTasksReordered,
	CRAWL_SUBSCRIBE:       TypeCrawlSubscribe,
	CRAWL_UNSUBSCRIBE:     TypeCrawlUnsubscribe,
	CRAWL_SUBSCRIBE_ACK:   TypeCrawlSubscribeAck,
	CRAWL_PROGRESS:        TypeCrawlProgress,
	PROGRESS_UPDATE:       TypeProgressUpdate,
	CRAWL_COMPLETE:        TypeCrawlComplete,
	CRAWL_ERROR:           TypeCrawlError,
	DOCUMENT_CHANGE:       TypeDocumentChange,
	DOCUMENT_BATCH_UPDATE: TypeDocumentBatchUpdate,
	DOCUMENT_UPDATED:      TypeDocumentUpdated,
	DOCUMENT_DELETED:      TypeDocumentDeleted,
	DOCUMENT_LOCKED:       TypeDocumentLocked,
	DOCUMENT_UNLOCKED:     TypeDocumentUnlocked,
	CONFLICT_DETECTED:     TypeConflictDetected,
	SYNC_REQUEST:          TypeSyncRequest,
	PING:                  TypePing,
	PONG:                  TypePong,
	ERROR:                 TypeError,
}

// Map type names to type codes
var typeNameToCode = func() map[string]MessageTypeCode {
	m := make(map[string]MessageTypeCode, len(typeCodeToName))
	for code, name := range typeCodeToName {
		m[name] = code
	}
	return m
}()

// Message is the envelope for all traffic, inbound and outbound.
// Immutable once dispatched.
type Message struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp int64          `json:"timestamp,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewMessage builds an envelope stamped with the current time.
func NewMessage(messageType string, data map[string]any) *Message {
	return &Message{
		Type:      messageType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// Time returns the envelope timestamp as a time.Time.
func (m *Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// String extracts a string field from the message data.
func (m *Message) String(key string) string {
	if m.Data == nil {
		return ""
	}
	s, _ := m.Data[key].(string)
	return s
}

// EncodeMessage encodes a message to binary format
// Format: [type:1 byte][timestamp:8 bytes][data_len:4 bytes][data:JSON bytes]
func EncodeMessage(msg *Message) ([]byte, error) {
	typeCode, ok := typeNameToCode[msg.Type]
	if !ok {
		typeCode = ERROR
	}

	dataJSON, err := json.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}

	dataLen := uint32(len(dataJSON))

	// 1 (type) + 8 (timestamp) + 4 (length) + data
	buf := make([]byte, 13+dataLen)
	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(msg.Timestamp))
	binary.BigEndian.PutUint32(buf[9:13], dataLen)
	copy(buf[13:], dataJSON)

	return buf, nil
}

// EncodeJSON encodes a message as a JSON text frame.
func EncodeJSON(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

// DecodeMessage decodes a binary or JSON message
func DecodeMessage(data []byte) (*Message, error) {
	// Check if it's JSON (starts with '{')
	if len(data) > 0 && data[0] == '{' {
		msg := &Message{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		if msg.Type == "" {
			return nil, fmt.Errorf("message missing type")
		}
		return msg, nil
	}

	// Binary protocol
	if len(data) < 13 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	typeCode := MessageTypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	dataLen := binary.BigEndian.Uint32(data[9:13])

	if uint32(len(data)) < 13+dataLen {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", 13+dataLen, len(data))
	}

	var payload map[string]any
	if dataLen > 0 {
		if err := json.Unmarshal(data[13:13+dataLen], &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}

	typeName, ok := typeCodeToName[typeCode]
	if !ok {
		typeName = TypeError
	}

	msg := &Message{
		Type:      typeName,
		Timestamp: timestamp,
		Data:      payload,
	}

	if id, ok := payload["id"].(string); ok {
		msg.ID = id
	}

	return msg, nil
}
