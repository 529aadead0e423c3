package models

import (
	"encoding/json"
	"fmt"
)

// ResumeDataVersion is the current checkpoint payload schema version. Readers
// that encounter a newer version treat the payload as unusable and restart
// from the first step rather than guessing at its shape.
const ResumeDataVersion = 1

// MaxResumeDataBytes caps the serialized size of a checkpoint payload.
// Anything larger belongs in durable storage, referenced here by key.
const MaxResumeDataBytes = 256 * 1024

// ResumeData is the accumulated context persisted after each successful step.
// Payloads are addressed by step name so a new step's data cannot collide
// with an existing one. Values hold references (artifact keys, row ids) only,
// never raw document bytes or full extracted text.
type ResumeData struct {
	Version int                        `json:"version"`
	Steps   map[string]json.RawMessage `json:"steps,omitempty"`
}

// NewResumeData returns an empty payload at the current schema version.
func NewResumeData() ResumeData {
	return ResumeData{Version: ResumeDataVersion}
}

// Usable reports whether this payload was written by a schema this build
// understands. An unusable payload is treated as empty on resume.
func (d ResumeData) Usable() bool {
	return d.Version == 0 || d.Version == ResumeDataVersion
}

// Put stores a step's payload, marshaled as JSON.
func (d *ResumeData) Put(step string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal resume payload for step %s: %w", step, err)
	}
	if d.Steps == nil {
		d.Steps = make(map[string]json.RawMessage)
	}
	d.Version = ResumeDataVersion
	d.Steps[step] = raw
	return nil
}

// Get unmarshals a step's payload into out, reporting whether it was present.
func (d ResumeData) Get(step string, out any) (bool, error) {
	raw, ok := d.Steps[step]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal resume payload for step %s: %w", step, err)
	}
	return true, nil
}

// Clone returns a deep copy.
func (d ResumeData) Clone() ResumeData {
	out := ResumeData{Version: d.Version}
	if d.Steps != nil {
		out.Steps = make(map[string]json.RawMessage, len(d.Steps))
		for k, v := range d.Steps {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out.Steps[k] = cp
		}
	}
	return out
}

// Clean validates the payload against the checkpoint size ceiling. The
// executor calls this before every checkpoint write; a step that smuggled a
// large buffer into its payload fails loudly here instead of bloating the
// job row.
func (d ResumeData) Clean() (ResumeData, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return d, fmt.Errorf("marshal resume data: %w", err)
	}
	if len(raw) > MaxResumeDataBytes {
		return d, fmt.Errorf("resume data is %d bytes, exceeds %d byte checkpoint ceiling: store large payloads durably and keep only their keys", len(raw), MaxResumeDataBytes)
	}
	return d, nil
}
