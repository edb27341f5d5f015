package usecase

import (
	"bytes"
	"encoding/json"
)

// serverEvent is the superset decode target for inbound control messages.
// Messages arrive as discrete, independently-parseable JSON units; fields
// irrelevant to a given kind simply stay zero.
type serverEvent struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`

	// Raw so an explicit null (root hint) is distinguishable from absence.
	PreviousItemID json.RawMessage `json:"previous_item_id,omitempty"`

	ItemID     string `json:"item_id"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`

	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`

	Item     *conversationItem `json:"item"`
	Response *responseBody     `json:"response"`
	Error    *serverError      `json:"error"`
}

type conversationItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`

	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type contentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
}

type responseBody struct {
	ID     string             `json:"id"`
	Status string             `json:"status"`
	Output []conversationItem `json:"output"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// inlineText returns the first textual content of the item.
func (i *conversationItem) inlineText() string {
	for _, part := range i.Content {
		if part.Text != "" {
			return part.Text
		}
		if part.Transcript != "" {
			return part.Transcript
		}
	}
	return ""
}

// orderingHint decodes a previous_item_id field. ok is false when the field
// was absent entirely; an explicit null yields ("", true), a root hint.
func orderingHint(raw json.RawMessage) (pred string, ok bool) {
	if len(raw) == 0 {
		return "", false
	}
	if bytes.Equal(raw, []byte("null")) {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// SessionSettings is the client-side session configuration sent over the
// message channel on connect and whenever preferences change.
type SessionSettings struct {
	Voice              string
	Instructions       string
	TranscriptionModel string
	SpeechEnabled      bool
	TurnSilenceMs      int
}

func (s SessionSettings) modalities() []string {
	if s.SpeechEnabled {
		return []string{"audio", "text"}
	}
	return []string{"text"}
}

// sessionUpdate builds the current-protocol session.update payload.
func sessionUpdate(s SessionSettings) []byte {
	type turnDetection struct {
		Type              string `json:"type"`
		SilenceDurationMs int    `json:"silence_duration_ms"`
	}
	payload := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"type":         "realtime",
			"instructions": s.Instructions,
			"audio": map[string]any{
				"input": map[string]any{
					"transcription":  map[string]any{"model": s.TranscriptionModel},
					"turn_detection": turnDetection{Type: "server_vad", SilenceDurationMs: s.TurnSilenceMs},
				},
				"output": map[string]any{"voice": s.Voice},
			},
			"output_modalities": s.modalities(),
		},
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// sessionUpdateLegacy builds the pre-GA configuration shape, used once per
// session when the server rejects a field of the current shape.
func sessionUpdateLegacy(s SessionSettings) []byte {
	payload := map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"instructions":              s.Instructions,
			"voice":                     s.Voice,
			"input_audio_transcription": map[string]any{"model": s.TranscriptionModel},
			"turn_detection": map[string]any{
				"type":                "server_vad",
				"silence_duration_ms": s.TurnSilenceMs,
			},
			"modalities": s.modalities(),
		},
	}
	raw, _ := json.Marshal(payload)
	return raw
}

// responseCreate triggers a model reply, optionally with fallback
// instructions for this response only.
func responseCreate(instructions string) []byte {
	response := map[string]any{}
	if instructions != "" {
		response["instructions"] = instructions
	}
	raw, _ := json.Marshal(map[string]any{
		"type":     "response.create",
		"response": response,
	})
	return raw
}

// conversationItemCreateText injects a typed user turn with a locally
// synthesized identifier.
func conversationItemCreateText(id, text string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"id":   id,
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
	return raw
}

// functionCallOutput acknowledges a completed tool call so the model can
// continue the turn.
func functionCallOutput(callID, output string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	return raw
}
