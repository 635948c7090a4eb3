package collector

import (
	"encoding/json"
	"fmt"

	"github.com/KafClaw/KafGenome/internal/evolution"
)

// IngestMessage is the inbound wire contract. Every field except behavior_type
// is accepted permissively.
type IngestMessage struct {
	ChildID        string          `json:"child_id"`
	CapabilityName string          `json:"capability_name,omitempty"`
	BehaviorType   string          `json:"behavior_type"`
	Description    string          `json:"description"`
	Evidence       evolution.Doc   `json:"evidence,omitempty"`
	Confidence     evolution.Value `json:"confidence"`
}

// DecodeMessage parses a JSON ingest message into a Report. Confidence may be a
// number or a numeric string; anything else falls back to DefaultConfidence.
func DecodeMessage(data []byte) (Report, error) {
	var msg IngestMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Report{}, evolution.Invalid("malformed ingest message: %v", err)
	}
	return msg.Report(), nil
}

// Report converts the wire message into a Report.
func (m IngestMessage) Report() Report {
	confidence, ok := m.Confidence.AsNumber()
	if !ok {
		confidence = DefaultConfidence
	}
	return Report{
		ChildID:        m.ChildID,
		CapabilityName: m.CapabilityName,
		BehaviorType:   m.BehaviorType,
		Description:    m.Description,
		Evidence:       m.Evidence,
		Confidence:     confidence,
	}
}

// EncodeMessage renders a Report on the wire. Used by the CLI and tests.
func EncodeMessage(r Report) ([]byte, error) {
	data, err := json.Marshal(IngestMessage{
		ChildID:        r.ChildID,
		CapabilityName: r.CapabilityName,
		BehaviorType:   r.BehaviorType,
		Description:    r.Description,
		Evidence:       r.Evidence,
		Confidence:     evolution.Number(r.Confidence),
	})
	if err != nil {
		return nil, fmt.Errorf("encode ingest message: %w", err)
	}
	return data, nil
}
