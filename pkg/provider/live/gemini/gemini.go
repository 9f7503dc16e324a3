// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Open sends the setup message and waits for setupComplete before
// returning, so handshake rejections surface as a *live.OpenError. Audio is
// transmitted as base64-encoded PCM chunks; tool calls are surfaced as
// live.EventToolCall events and answered with toolResponse messages.
package gemini

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
	"github.com/coder/websocket"
)

// Compile-time assertions that Provider and stream satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Stream = (*stream)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// Gemini Live always speaks 24 kHz mono PCM unless the MIME type says
	// otherwise.
	defaultOutputRate = 24000
	defaultInputRate  = 16000

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// Model turns can carry several seconds of audio in one message.
	readLimit = 16 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used when SessionConfig.Model is empty.
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

// WithHTTPClient sets the HTTP client used for the WebSocket upgrade.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	outboxCap  int
	httpClient *http.Client
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Open dials Gemini Live, sends the setup message and waits for the server's
// setupComplete acknowledgement. ctx bounds only the dial and handshake.
func (p *Provider) Open(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.OpenError{Kind: dialErrorKind(resp), Err: fmt.Errorf("gemini: dial: %w", err)}
	}
	conn.SetReadLimit(readLimit)

	setup, err := json.Marshal(buildSetup(cmp.Or(cfg.Model, p.model), cfg))
	if err != nil {
		conn.CloseNow()
		return nil, &live.OpenError{Kind: live.OpenConfig, Err: fmt.Errorf("gemini: marshal setup: %w", err)}
	}
	if err := conn.Write(ctx, websocket.MessageText, setup); err != nil {
		conn.CloseNow()
		return nil, &live.OpenError{Kind: live.OpenUnreachable, Err: fmt.Errorf("gemini: setup: %w", err)}
	}
	if err := awaitSetupComplete(ctx, conn); err != nil {
		conn.CloseNow()
		return nil, err
	}

	s := newStream(conn, cfg, p.outboxCap)
	slog.Debug("gemini: stream opened", "model", cmp.Or(cfg.Model, p.model), "tools", len(cfg.Tools))
	return s, nil
}

// dialErrorKind classifies a failed upgrade by the HTTP status the server
// answered with, if any.
func dialErrorKind(resp *http.Response) live.OpenErrorKind {
	if resp == nil {
		return live.OpenUnreachable
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return live.OpenAuth
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return live.OpenConfig
	default:
		return live.OpenUnreachable
	}
}

// awaitSetupComplete reads until the server acknowledges the setup message or
// rejects it.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return &live.OpenError{Kind: live.OpenUnreachable, Err: ctx.Err()}
			}
			return &live.OpenError{Kind: closeErrorKind(err), Err: fmt.Errorf("gemini: handshake: %w", err)}
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return &live.OpenError{Kind: msg.Error.kind(), Err: fmt.Errorf("gemini: handshake: %w", msg.Error)}
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// closeErrorKind classifies a handshake read failure by the close status the
// server sent. Gemini closes with 1008 for rejected keys and 1007 for invalid
// setup payloads.
func closeErrorKind(err error) live.OpenErrorKind {
	switch websocket.CloseStatus(err) {
	case websocket.StatusPolicyViolation:
		return live.OpenAuth
	case websocket.StatusInvalidFramePayloadData, websocket.StatusUnsupportedData:
		return live.OpenConfig
	default:
		return live.OpenUnreachable
	}
}

func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return msg
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage      `json:"setupComplete,omitempty"`
	ServerContent        *serverContent        `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg          `json:"toolCall,omitempty"`
	ToolCallCancellation *toolCallCancellation `json:"toolCallCancellation,omitempty"`
	GoAway               *goAway               `json:"goAway,omitempty"`
	Error                *geminiError          `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	msg := cmp.Or(e.Message, "unknown error")
	if e.Status != "" {
		return fmt.Sprintf("%s (%s)", msg, e.Status)
	}
	return msg
}

func (e *geminiError) kind() live.OpenErrorKind {
	switch {
	case e.Code == http.StatusUnauthorized, e.Code == http.StatusForbidden,
		e.Status == "UNAUTHENTICATED", e.Status == "PERMISSION_DENIED":
		return live.OpenAuth
	default:
		return live.OpenConfig
	}
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type toolCallCancellation struct {
	IDs []string `json:"ids"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

// ── stream ─────────────────────────────────────────────────────────────────────

type stream struct {
	conn    *websocket.Conn
	outbox  *live.Outbox
	events  *live.EventQueue
	outRate int
	inRate  int

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
		inRate:  cmp.Or(cfg.InputSampleRate, defaultInputRate),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.events.Push(live.Event{Kind: live.EventOpened})

	s.wg.Go(s.receiveLoop)
	s.wg.Go(s.writeLoop)
	s.wg.Go(s.keepaliveLoop)
	return s
}

// finish records the terminal event and tears the connection down. Only the
// first call has any effect.
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
	slog.Warn("gemini: stream failed", "op", op, "err", err)
	s.finish(live.Event{
		Kind: live.EventError,
		Err:  fmt.Errorf("gemini: %s: %w: %w", op, live.ErrStream, err),
	}, websocket.StatusInternalError, op+" failed")
}

// receiveLoop reads messages from the WebSocket and turns them into events.
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}
		s.handleServerMessage(&msg)
	}
}

func (s *stream) handleServerMessage(msg *serverMessage) {
	if msg.ServerContent != nil && msg.ServerContent.Interrupted {
		s.events.Push(live.Event{Kind: live.EventInterrupted})
	}
	if msg.ServerContent != nil && msg.ServerContent.ModelTurn != nil {
		for _, p := range msg.ServerContent.ModelTurn.Parts {
			if p.InlineData != nil {
				s.handleAudio(p.InlineData)
			}
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			args := fc.Args
			if len(args) == 0 || string(args) == "null" {
				args = json.RawMessage("{}")
			}
			s.events.Push(live.Event{
				Kind: live.EventToolCall,
				Call: live.ToolInvocation{ID: fc.ID, Name: fc.Name, Arguments: args},
			})
		}
	}
	if msg.ToolCallCancellation != nil {
		slog.Debug("gemini: tool calls cancelled by server", "ids", msg.ToolCallCancellation.IDs)
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server is about to disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.Error != nil {
		s.fail("server", msg.Error)
	}
}

func (s *stream) handleAudio(d *inlineData) {
	raw, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil {
		slog.Warn("gemini: skipping undecodable audio", "err", err)
		return
	}
	chunk, err := live.DecodeAudio(raw, 1, live.RateFromMIME(d.MIMEType, defaultOutputRate), s.outRate)
	if err != nil {
		slog.Warn("gemini: skipping malformed audio chunk", "mime", d.MIMEType, "bytes", len(raw), "err", err)
		return
	}
	s.events.Push(live.Event{Kind: live.EventAudio, Chunk: chunk})
}

// writeLoop drains the outbox onto the socket.
func (s *stream) writeLoop() {
	err := s.outbox.Run(s.ctx, func(ctx context.Context, msg []byte) error {
		return s.conn.Write(ctx, websocket.MessageText, msg)
	})
	if err != nil {
		s.fail("write", err)
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *stream) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── live.Stream methods ───────────────────────────────────────────────────────

// Send downmixes frame to mono, encodes it as a realtimeInput media chunk and
// enqueues it.
func (s *stream) Send(frame audio.AudioFrame) {
	if s.ended.Load() {
		return
	}
	mono, err := frame.Mono()
	if err != nil {
		slog.Debug("gemini: dropping malformed frame", "seq", frame.Seq, "err", err)
		return
	}
	frame = mono
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: audio.MIMEType(cmp.Or(frame.SampleRate, s.inRate)),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.outbox.Offer(data)
}

// SendToolResult enqueues a toolResponse for res.
func (s *stream) SendToolResult(res live.ToolResult) {
	if s.ended.Load() {
		return
	}
	payload := res.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{ID: res.ID, Name: res.Name, Response: payload}},
		},
	})
	if err != nil {
		slog.Warn("gemini: dropping unserialisable tool result", "id", res.ID, "err", err)
		return
	}
	s.outbox.Post(data)
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
