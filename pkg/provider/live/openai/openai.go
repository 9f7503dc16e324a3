// Package openai implements the live.Provider interface for OpenAI's Realtime
// API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Open configures the session with session.update and waits for
// session.updated before returning. Audio is transmitted as base64-encoded
// PCM16 at 24 kHz in both directions; captured frames at other rates are
// resampled before sending. Tool results are returned as function_call_output
// conversation items followed by response.create.
package openai

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and stream satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Stream = (*stream)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// pcm16 on the Realtime API is fixed at 24 kHz mono.
	wireRate = 24000

	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used when SessionConfig.Model is empty.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithOutboxCapacity sets how many audio frames may wait for the socket
// before new frames are dropped.
func WithOutboxCapacity(n int) Option {
	return func(p *Provider) { p.outboxCap = n }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	outboxCap int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		outboxCap: live.DefaultOutboxCapacity,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open dials the Realtime endpoint, sends session.update and waits for the
// server to confirm it. ctx bounds only the dial and handshake.
func (p *Provider) Open(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	model := cmp.Or(cfg.Model, p.model)
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(model))

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, &live.OpenError{Kind: dialErrorKind(resp), Err: fmt.Errorf("openai: dial: %w", err)}
	}
	conn.SetReadLimit(readLimit)

	update, err := json.Marshal(sessionUpdateMessage{Type: "session.update", Session: buildSession(cfg)})
	if err != nil {
		conn.CloseNow()
		return nil, &live.OpenError{Kind: live.OpenConfig, Err: fmt.Errorf("openai: marshal session: %w", err)}
	}
	if err := conn.Write(ctx, websocket.MessageText, update); err != nil {
		conn.CloseNow()
		return nil, &live.OpenError{Kind: live.OpenUnreachable, Err: fmt.Errorf("openai: session update: %w", err)}
	}
	if err := awaitSessionUpdated(ctx, conn); err != nil {
		conn.CloseNow()
		return nil, err
	}

	slog.Debug("openai: stream opened", "model", model, "tools", len(cfg.Tools))
	return newStream(conn, cfg, p.outboxCap), nil
}

func dialErrorKind(resp *http.Response) live.OpenErrorKind {
	if resp == nil {
		return live.OpenUnreachable
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return live.OpenAuth
	case http.StatusBadRequest, http.StatusNotFound:
		return live.OpenConfig
	default:
		return live.OpenUnreachable
	}
}

// awaitSessionUpdated skips session.created and returns once the server has
// applied the configuration.
func awaitSessionUpdated(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return &live.OpenError{Kind: live.OpenUnreachable, Err: ctx.Err()}
			}
			kind := live.OpenUnreachable
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				kind = live.OpenAuth
			}
			return &live.OpenError{Kind: kind, Err: fmt.Errorf("openai: handshake: %w", err)}
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			detail := evt.Error
			if detail == nil {
				detail = &serverErrorDetail{}
			}
			return &live.OpenError{Kind: detail.kind(), Err: fmt.Errorf("openai: handshake: %w", detail)}
		}
	}
}

func buildSession(cfg live.SessionConfig) sessionParams {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		Modalities:        []string{"audio", "text"},
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if len(cfg.Tools) > 0 {
		params.Tools = make([]oaiTool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			params.Tools[i] = oaiTool{
				Type:        "function",
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		params.ToolChoice = "auto"
	}
	return params
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Modalities        []string       `json:"modalities,omitempty"`
	Tools             []oaiTool      `json:"tools,omitempty"`
	ToolChoice        string         `json:"tool_choice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) Error() string {
	msg := cmp.Or(e.Message, "unknown error")
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	return msg
}

func (e *serverErrorDetail) kind() live.OpenErrorKind {
	switch e.Code {
	case "invalid_api_key", "insufficient_quota":
		return live.OpenAuth
	}
	if e.Type == "authentication_error" {
		return live.OpenAuth
	}
	return live.OpenConfig
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn    *websocket.Conn
	outbox  *live.Outbox
	events  *live.EventQueue
	outRate int

	ctx    context.Context
	cancel context.CancelFunc
	ended  atomic.Bool
	wg     sync.WaitGroup
}

func newStream(conn *websocket.Conn, cfg live.SessionConfig, outboxCap int) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		conn:    conn,
		outbox:  live.NewOutbox(outboxCap),
		events:  live.NewEventQueue(),
		outRate: cfg.OutputSampleRate,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.events.Push(live.Event{Kind: live.EventOpened})

	s.wg.Go(s.receiveLoop)
	s.wg.Go(s.writeLoop)
	return s
}

func (s *stream) finish(ev live.Event, code websocket.StatusCode, reason string) {
	if !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.events.Push(ev)
	s.outbox.Close()
	_ = s.conn.Close(code, reason)
	s.cancel()
}

func (s *stream) fail(op string, err error) {
	slog.Warn("openai: stream failed", "op", op, "err", err)
	s.finish(live.Event{
		Kind: live.EventError,
		Err:  fmt.Errorf("openai: %s: %w: %w", op, live.ErrStream, err),
	}, websocket.StatusInternalError, op+" failed")
}

// receiveLoop reads events from the WebSocket and dispatches them.
func (s *stream) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.finish(live.Event{Kind: live.EventClosed}, websocket.StatusNormalClosure, "")
			default:
				s.fail("read", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *stream) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		raw, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			slog.Warn("openai: skipping undecodable audio", "err", err)
			return
		}
		chunk, err := live.DecodeAudio(raw, 1, wireRate, s.outRate)
		if err != nil {
			slog.Warn("openai: skipping malformed audio chunk", "bytes", len(raw), "err", err)
			return
		}
		s.events.Push(live.Event{Kind: live.EventAudio, Chunk: chunk})

	case "input_audio_buffer.speech_started":
		// Server VAD heard the user; the reply in flight is cancelled.
		s.events.Push(live.Event{Kind: live.EventInterrupted})

	case "response.function_call_arguments.done":
		args := json.RawMessage(evt.Arguments)
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		s.events.Push(live.Event{
			Kind: live.EventToolCall,
			Call: live.ToolInvocation{ID: evt.CallID, Name: evt.Name, Arguments: args},
		})

	case "error":
		// Realtime error events describe a rejected client event; the
		// session itself stays usable.
		var err error = &serverErrorDetail{}
		if evt.Error != nil {
			err = evt.Error
		}
		slog.Warn("openai: server reported error", "err", err)
	}
}

func (s *stream) writeLoop() {
	err := s.outbox.Run(s.ctx, func(ctx context.Context, msg []byte) error {
		return s.conn.Write(ctx, websocket.MessageText, msg)
	})
	if err != nil {
		s.fail("write", err)
	}
}

// ── live.Stream methods ───────────────────────────────────────────────────────

// Send downmixes frame to mono, resamples it to 24 kHz if needed and
// enqueues an input_audio_buffer.append event.
func (s *stream) Send(frame audio.AudioFrame) {
	if s.ended.Load() {
		return
	}
	mono, err := frame.Mono()
	if err != nil {
		slog.Debug("openai: dropping malformed frame", "seq", frame.Seq, "err", err)
		return
	}
	frame = mono
	data := frame.Data
	if frame.SampleRate > 0 && frame.SampleRate != wireRate {
		samples, err := audio.DecodePCM16(frame.Data, 1)
		if err != nil {
			slog.Debug("openai: dropping malformed frame", "seq", frame.Seq, "err", err)
			return
		}
		data = audio.EncodePCM16(audio.Resample(samples[0], frame.SampleRate, wireRate))
	}
	msg, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return
	}
	s.outbox.Offer(msg)
}

// SendToolResult enqueues the function_call_output item and asks the model
// to continue its response.
func (s *stream) SendToolResult(res live.ToolResult) {
	if s.ended.Load() {
		return
	}
	payload := res.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	output, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("openai: dropping unserialisable tool result", "id", res.ID, "err", err)
		return
	}
	item, _ := json.Marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: res.ID,
			Output: string(output),
		},
	})
	s.outbox.Post(item)
	s.outbox.Post([]byte(`{"type":"response.create"}`))
}

// Events returns the inbound event channel.
func (s *stream) Events() <-chan live.Event { return s.events.Events() }

// Stats returns outbound counters.
func (s *stream) Stats() live.StreamStats { return s.outbox.Stats() }

// Close terminates the stream with EventClosed and waits for the connection
// goroutines to exit. Idempotent.
func (s *stream) Close() error {
	s.finish(live.Event{Kind: live.EventClosed}, websocket.StatusNormalClosure, "session closed")
	s.cancel()
	s.wg.Wait()
	return nil
}
