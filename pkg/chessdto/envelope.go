package chessdto

import "encoding/json"

// Envelope frames every realtime message in both directions. RequestID is
// echoed on the error answering a request.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope of msgType.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = raw
	return env, nil
}

type GameRef struct {
	GameID string `json:"gameId"`
}

type SubmitMove struct {
	GameID string `json:"gameId"`
	Move   string `json:"move"`
}

type EnqueueRequest struct {
	TimeControl string `json:"timeControl"`
}

type ChallengeRequest struct {
	Target      string `json:"target"`
	Color       string `json:"color"`
	TimeControl string `json:"timeControl"`
	Rated       bool   `json:"rated"`
}

type ChallengeRef struct {
	ChallengeID string `json:"challengeId"`
}
