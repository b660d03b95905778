package mapstore

import (
	"encoding/json"
	"time"
)

// Mapping is one persisted thread→session record. Unknown JSON fields are
// round-tripped through Extra so other writers of the file (older or newer
// versions, sibling tools) don't lose data when we rewrite it.
type Mapping struct {
	SessionName string
	WorkingDir  string
	CreatedAt   time.Time

	Extra map[string]json.RawMessage
}

const (
	keySessionName = "sessionName"
	keyWorkingDir  = "workingDir"
	keyCreatedAt   = "createdAt"
)

// MarshalJSON merges known fields with preserved extras.
func (m Mapping) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}

	name, err := json.Marshal(m.SessionName)
	if err != nil {
		return nil, err
	}
	out[keySessionName] = name

	dir, err := json.Marshal(m.WorkingDir)
	if err != nil {
		return nil, err
	}
	out[keyWorkingDir] = dir

	created, err := json.Marshal(m.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	out[keyCreatedAt] = created

	return json.Marshal(out)
}

// UnmarshalJSON pulls the known fields and keeps everything else in Extra.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	raw := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if v, ok := raw[keySessionName]; ok {
		if err := json.Unmarshal(v, &m.SessionName); err != nil {
			return err
		}
		delete(raw, keySessionName)
	}
	if v, ok := raw[keyWorkingDir]; ok {
		if err := json.Unmarshal(v, &m.WorkingDir); err != nil {
			return err
		}
		delete(raw, keyWorkingDir)
	}
	if v, ok := raw[keyCreatedAt]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			m.CreatedAt = t
		}
		delete(raw, keyCreatedAt)
	}

	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}
