package usecase

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"parley/internal/domain"
	"parley/internal/glossary"
	"parley/internal/ports"
	"parley/internal/transcript"
)

// participantTool is the function the model calls to register speakers.
const participantTool = "upsert_participant"

type pendingDelta struct {
	source domain.Source
	text   string
}

// eventRouter consumes inbound control messages for one transport session
// and applies them to the shared transcript and participant state. One
// router is created per session generation; the transcript survives it.
type eventRouter struct {
	log      zerolog.Logger
	entries  *transcript.Log
	registry *participantRegistry
	events   ports.EventSink
	terms    *glossary.Engine
	send     func(payload []byte) error

	mu       sync.Mutex
	settings SessionSettings

	bindings map[string]string // response id -> transcript entry id
	anchors  map[string]string // response id -> committed user turn at response start
	pending  map[string][]pendingDelta

	lastUserTurn  string
	configPending bool
	legacyUsed    bool
}

func newEventRouter(
	entries *transcript.Log,
	registry *participantRegistry,
	events ports.EventSink,
	terms *glossary.Engine,
	settings SessionSettings,
	send func(payload []byte) error,
	log zerolog.Logger,
) *eventRouter {
	return &eventRouter{
		log:      log.With().Str("component", "router").Logger(),
		entries:  entries,
		registry: registry,
		events:   events,
		terms:    terms,
		send:     send,
		settings: settings,
		bindings: make(map[string]string),
		anchors:  make(map[string]string),
		pending:  make(map[string][]pendingDelta),
	}
}

// Handle processes one discrete inbound message. Malformed payloads are
// logged and skipped without affecting other messages.
func (r *eventRouter) Handle(payload []byte) {
	var ev serverEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping unparseable message")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case "session.created":
		r.sendConfig()

	case "session.updated":
		r.configPending = false

	case "error":
		r.handleError(ev.Error)

	case "input_audio_buffer.committed":
		r.handleUserTurnCommitted(ev)

	case "conversation.item.created", "conversation.item.added":
		r.handleItemCreated(ev)

	case "conversation.item.input_audio_transcription.delta":
		r.emitIf(r.entries.Append(ev.ItemID, domain.RoleUser, domain.SourceUserAudio, ev.Delta))

	case "conversation.item.input_audio_transcription.completed":
		r.emitIf(r.entries.FinalizeText(ev.ItemID, domain.RoleUser, domain.SourceUserAudio, ev.Transcript))

	case "response.text.delta", "response.output_text.delta":
		r.handleAssistantDelta(ev.ResponseID, domain.SourceAssistantText, ev.Delta)

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		r.handleAssistantDelta(ev.ResponseID, domain.SourceAssistantAudio, ev.Delta)

	case "response.output_item.added":
		r.handleOutputItemAdded(ev)

	case "response.done":
		r.handleResponseDone(ev)

	case "response.function_call_arguments.done":
		r.handleFunctionCall(ev)

	default:
		r.log.Debug().Str("type", ev.Type).Msg("ignoring unrecognized message kind")
	}
}

// handleError applies the one-shot legacy configuration fallback when the
// server rejects a field of the current session.update shape. Everything
// else is logged only; an established session self-heals.
func (r *eventRouter) handleError(se *serverError) {
	if se == nil {
		r.log.Warn().Msg("error event without body")
		return
	}
	if r.configPending && !r.legacyUsed && isUnsupportedConfig(se) {
		r.legacyUsed = true
		r.log.Info().Str("param", se.Param).Msg("configuration rejected, retrying with legacy shape")
		if err := r.send(sessionUpdateLegacy(r.settings)); err != nil {
			r.log.Warn().Err(err).Msg("legacy configuration send failed")
		}
		return
	}
	r.log.Warn().Str("code", se.Code).Str("param", se.Param).Str("message", se.Message).Msg("server error event")
}

func isUnsupportedConfig(se *serverError) bool {
	if strings.Contains(se.Param, "session") {
		return true
	}
	switch se.Code {
	case "unknown_parameter", "invalid_value", "missing_required_parameter":
		return true
	}
	return false
}

func (r *eventRouter) handleUserTurnCommitted(ev serverEvent) {
	if ev.ItemID == "" {
		return
	}
	r.lastUserTurn = ev.ItemID
	changed := r.entries.Upsert(ev.ItemID, domain.RoleUser, domain.SourceUserAudio)
	if pred, ok := orderingHint(ev.PreviousItemID); ok {
		changed = r.entries.SetHint(ev.ItemID, pred) || changed
	}
	r.emitIf(changed)
}

func (r *eventRouter) handleItemCreated(ev serverEvent) {
	item := ev.Item
	if item == nil || item.ID == "" || item.Type == "function_call" {
		return
	}

	changed := false
	if pred, ok := orderingHint(ev.PreviousItemID); ok {
		changed = r.entries.SetHint(item.ID, pred)
	}

	role := domain.RoleAssistant
	if item.Role == "user" {
		role = domain.RoleUser
	}
	if role == domain.RoleUser {
		// Inline text on a user item is authoritative, not incremental.
		if text := item.inlineText(); text != "" {
			changed = r.entries.Replace(item.ID, role, domain.SourceUserText, text) || changed
		} else {
			changed = r.entries.Upsert(item.ID, role, domain.SourceUserAudio) || changed
		}
	} else {
		changed = r.entries.Upsert(item.ID, role, "") || changed
	}
	r.emitIf(changed)
}

// handleAssistantDelta routes streamed content through the response-to-entry
// binding. Deltas that precede the binding are buffered under the response
// identifier, never given a synthetic entry.
func (r *eventRouter) handleAssistantDelta(responseID string, source domain.Source, delta string) {
	if responseID == "" || delta == "" {
		return
	}
	if entryID, ok := r.bindings[responseID]; ok {
		r.emitIf(r.entries.Append(entryID, domain.RoleAssistant, source, delta))
		return
	}
	r.pending[responseID] = append(r.pending[responseID], pendingDelta{source: source, text: delta})
}

func (r *eventRouter) handleOutputItemAdded(ev serverEvent) {
	item := ev.Item
	if ev.ResponseID == "" || item == nil || item.ID == "" || item.Type == "function_call" {
		return
	}

	if _, ok := r.bindings[ev.ResponseID]; !ok {
		r.bindings[ev.ResponseID] = item.ID
	}
	// The anchor is set once per response and never overwritten, so the
	// reply stays positioned after the user turn that prompted it.
	if _, ok := r.anchors[ev.ResponseID]; !ok {
		r.anchors[ev.ResponseID] = r.lastUserTurn
	}

	changed := r.entries.Upsert(item.ID, domain.RoleAssistant, "")
	pred, ok := orderingHint(ev.PreviousItemID)
	if !ok {
		pred = r.anchors[ev.ResponseID]
	}
	changed = r.entries.SetHint(item.ID, pred) || changed

	// Flush buffered deltas exactly once, in arrival order.
	entryID := r.bindings[ev.ResponseID]
	for _, d := range r.pending[ev.ResponseID] {
		changed = r.entries.Append(entryID, domain.RoleAssistant, d.source, d.text) || changed
	}
	delete(r.pending, ev.ResponseID)

	r.emitIf(changed)
}

func (r *eventRouter) handleResponseDone(ev serverEvent) {
	responseID := ev.ResponseID
	if responseID == "" && ev.Response != nil {
		responseID = ev.Response.ID
	}
	if responseID == "" {
		return
	}

	delete(r.pending, responseID)
	entryID, ok := r.bindings[responseID]
	delete(r.bindings, responseID)
	delete(r.anchors, responseID)
	if !ok {
		return
	}

	changed := false
	if e, found := r.entries.Get(entryID); found && r.terms != nil {
		if polished := r.terms.Apply(e.Text); polished != e.Text {
			changed = r.entries.FinalizeText(entryID, e.Role, e.Source, polished)
		} else {
			changed = r.entries.Finalize(entryID)
		}
	} else {
		changed = r.entries.Finalize(entryID)
	}
	r.emitIf(changed)
}

func (r *eventRouter) handleFunctionCall(ev serverEvent) {
	if ev.Name != participantTool {
		r.log.Debug().Str("name", ev.Name).Msg("ignoring unknown tool call")
		return
	}

	var args struct {
		ID             string `json:"id"`
		Name           string `json:"name"`
		Language       string `json:"language"`
		TargetLanguage string `json:"target_language"`
	}
	if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
		r.log.Warn().Err(err).Msg("dropping malformed participant arguments")
		return
	}

	if r.registry.Upsert(domain.Participant{
		ID:             args.ID,
		Name:           args.Name,
		Language:       args.Language,
		TargetLanguage: args.TargetLanguage,
	}) {
		r.events.ParticipantsUpdated(r.registry.Snapshot())
	}

	if ev.CallID != "" {
		if err := r.send(functionCallOutput(ev.CallID, `{"ok":true}`)); err != nil {
			r.log.Warn().Err(err).Msg("tool acknowledgment send failed")
			return
		}
		if err := r.send(responseCreate("")); err != nil {
			r.log.Warn().Err(err).Msg("response trigger after tool call failed")
		}
	}
}

// SendUserText injects a typed user turn and triggers a reply. The entry is
// recorded locally with a synthesized identifier so the UI reflects it
// before the server echoes the item back.
func (r *eventRouter) SendUserText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	id := "local_" + uuid.NewString()

	r.mu.Lock()
	changed := r.entries.Replace(id, domain.RoleUser, domain.SourceUserText, text)
	changed = r.entries.SetHint(id, r.lastUserTurn) || changed
	r.entries.Finalize(id)
	r.lastUserTurn = id
	r.emitIf(changed)
	r.mu.Unlock()

	if err := r.send(conversationItemCreateText(id, text)); err != nil {
		return fmt.Errorf("send user text: %w", err)
	}
	if err := r.send(responseCreate("")); err != nil {
		return fmt.Errorf("trigger response: %w", err)
	}
	return nil
}

// UpdateSettings pushes a new session configuration to the server.
func (r *eventRouter) UpdateSettings(settings SessionSettings) error {
	r.mu.Lock()
	r.settings = settings
	r.configPending = true
	r.mu.Unlock()
	return r.send(sessionUpdate(settings))
}

func (r *eventRouter) sendConfig() {
	r.configPending = true
	if err := r.send(sessionUpdate(r.settings)); err != nil {
		r.log.Warn().Err(err).Msg("configuration send failed")
	}
}

func (r *eventRouter) emitIf(changed bool) {
	if changed {
		r.events.TranscriptUpdated(r.entries.Entries())
	}
}
