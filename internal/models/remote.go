package models

import "encoding/json"

// RemoteRecord is an entity as returned by the remote service: its server
// identifier ("id", or "server_id" in create acknowledgements), its logical
// clock and the full field snapshot.
type RemoteRecord struct {
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updated_at"`
	Fields    json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the whole object as the field snapshot.
func (r *RemoteRecord) UnmarshalJSON(data []byte) error {
	var head struct {
		ID        json.RawMessage `json:"id"`
		ServerID  json.RawMessage `json:"server_id"`
		UpdatedAt int64           `json:"updated_at"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	r.ID = rawID(head.ID)
	if r.ID == "" {
		r.ID = rawID(head.ServerID)
	}
	r.UpdatedAt = head.UpdatedAt
	r.Fields = append(json.RawMessage(nil), data...)
	return nil
}

// rawID accepts both string and numeric identifiers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Decode parses the snapshot as a payload of family t.
func (r *RemoteRecord) Decode(t EntityType) (Payload, error) {
	p, err := DecodePayload(t, r.Fields)
	if err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case *TaskPayload:
		v.UpdatedAt = r.UpdatedAt
	case *EventPayload:
		v.UpdatedAt = r.UpdatedAt
	case *ChatSessionPayload:
		v.UpdatedAt = r.UpdatedAt
	case *ChatMessagePayload:
		v.UpdatedAt = r.UpdatedAt
	}
	return p, nil
}
