package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
	"github.com/MrWong99/deckvoice/pkg/provider/live/openai"
	"github.com/coder/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The server is
// automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// handshake plays the server side of session setup.
func handshake(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	writeJSON(t, conn, map[string]any{"type": "session.created"})
	var update map[string]any
	readJSON(t, conn, &update)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
	return update
}

func nextEvent(t *testing.T, ch <-chan live.Event) live.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestOpen_SendsSessionUpdateWithAuth(t *testing.T) {
	t.Parallel()

	type captured struct {
		auth, beta, model string
		update            map[string]any
	}
	got := make(chan captured, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		c := captured{
			auth:  r.Header.Get("Authorization"),
			beta:  r.Header.Get("OpenAI-Beta"),
			model: r.URL.Query().Get("model"),
		}
		c.update = handshake(t, conn)
		got <- c
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)))
	s, err := p.Open(context.Background(), live.SessionConfig{
		Model:        "gpt-realtime-mini",
		Instructions: "Help with slides.",
		Tools:        []live.ToolDeclaration{{Name: "update_slides"}},
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if ev := nextEvent(t, s.Events()); ev.Kind != live.EventOpened {
		t.Errorf("first event = %v", ev.Kind)
	}

	c := <-got
	if c.auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", c.auth)
	}
	if c.beta != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", c.beta)
	}
	if c.model != "gpt-realtime-mini" {
		t.Errorf("model = %q", c.model)
	}
	if c.update["type"] != "session.update" {
		t.Errorf("type = %v", c.update["type"])
	}
	sess, _ := c.update["session"].(map[string]any)
	if sess["instructions"] != "Help with slides." || sess["input_audio_format"] != "pcm16" {
		t.Errorf("session = %v", sess)
	}
	tools, _ := sess["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v", sess["tools"])
	}
	if tool, _ := tools[0].(map[string]any); tool["type"] != "function" || tool["name"] != "update_slides" {
		t.Errorf("tool = %v", tool)
	}
}

func TestOpen_ErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    live.OpenErrorKind
	}{
		{
			name: "http 401",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "invalid key", http.StatusUnauthorized)
			},
			want: live.OpenAuth,
		},
		{
			name: "error event invalid key",
			handler: errorEventHandler(map[string]any{
				"type": "invalid_request_error", "code": "invalid_api_key", "message": "Incorrect API key",
			}),
			want: live.OpenAuth,
		},
		{
			name: "error event bad config",
			handler: errorEventHandler(map[string]any{
				"type": "invalid_request_error", "code": "invalid_value", "message": "Invalid voice",
			}),
			want: live.OpenConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			t.Cleanup(srv.Close)

			_, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.SessionConfig{})
			var oe *live.OpenError
			if !errors.As(err, &oe) {
				t.Fatalf("err = %v, want *live.OpenError", err)
			}
			if oe.Kind != tt.want {
				t.Errorf("kind = %v, want %v (err: %v)", oe.Kind, tt.want, err)
			}
		})
	}
}

func errorEventHandler(detail map[string]any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		_, _, _ = conn.Read(r.Context())
		data, _ := json.Marshal(map[string]any{"type": "error", "error": detail})
		_ = conn.Write(r.Context(), websocket.MessageText, data)
		<-conn.CloseRead(r.Context()).Done()
	}
}

func TestSend_ResamplesTo24k(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	s, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// 160 samples at 16 kHz become 240 samples at 24 kHz.
	s.Send(audio.AudioFrame{Data: audio.EncodePCM16(make([]float32, 160)), SampleRate: 16000, Channels: 1})

	select {
	case msg := <-got:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64: %v", err)
		}
		if len(raw) != 480 {
			t.Errorf("payload = %d bytes, want 480", len(raw))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

func TestSend_DownmixesStereoBeforeResampling(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Audio string `json:"audio"`
	}
	got := make(chan appendMsg, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		got <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	s, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	// Left is silent, right is a constant 0.5: the downmix is a constant 0.25.
	interleaved := make([]float32, 2*160)
	for i := 1; i < len(interleaved); i += 2 {
		interleaved[i] = 0.5
	}
	s.Send(audio.AudioFrame{Data: audio.EncodePCM16(interleaved), SampleRate: 16000, Channels: 2})

	select {
	case msg := <-got:
		raw, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64: %v", err)
		}
		samples, err := audio.DecodePCM16(raw, 1)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(samples[0]) != 240 {
			t.Fatalf("samples = %d, want 240 mono samples at 24 kHz", len(samples[0]))
		}
		for i, v := range samples[0] {
			if v < 0.249 || v > 0.251 {
				t.Fatalf("sample %d = %v, want 0.25", i, v)
			}
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}

func TestSpeechStarted_EmitsInterrupted(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started", "audio_start_ms": 1200})
		<-conn.CloseRead(context.Background()).Done()
	})

	s, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	nextEvent(t, s.Events()) // opened
	if ev := nextEvent(t, s.Events()); ev.Kind != live.EventInterrupted {
		t.Fatalf("event = %v, want interrupted", ev.Kind)
	}
}

func TestAudioAndToolCall(t *testing.T) {
	t.Parallel()

	replies := make(chan map[string]any, 2)
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		pcm := base64.StdEncoding.EncodeToString(audio.EncodePCM16(make([]float32, 240)))
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": pcm})
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"message": "ignored"}})
		writeJSON(t, conn, map[string]any{
			"type":      "response.function_call_arguments.done",
			"call_id":   "call_abc",
			"name":      "update_slides",
			"arguments": `{"document":{"title":"Q3"}}`,
		})
		for range 2 {
			var msg map[string]any
			readJSON(t, conn, &msg)
			replies <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	s, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.SessionConfig{OutputSampleRate: 24000})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	nextEvent(t, s.Events()) // opened
	ev := nextEvent(t, s.Events())
	if ev.Kind != live.EventAudio || ev.Chunk.Frames() != 240 || ev.Chunk.SampleRate != 24000 {
		t.Fatalf("audio event = %v, %d frames @ %d", ev.Kind, ev.Chunk.Frames(), ev.Chunk.SampleRate)
	}
	// The error event is not terminal.
	ev = nextEvent(t, s.Events())
	if ev.Kind != live.EventToolCall || ev.Call.ID != "call_abc" || ev.Call.Name != "update_slides" {
		t.Fatalf("tool event = %+v", ev)
	}
	if !json.Valid(ev.Call.Arguments) {
		t.Errorf("arguments not JSON: %s", ev.Call.Arguments)
	}

	s.SendToolResult(live.ToolResult{ID: "call_abc", Name: "update_slides", Payload: map[string]any{"ok": true}})

	for i, wantType := range []string{"conversation.item.create", "response.create"} {
		select {
		case msg := <-replies:
			if msg["type"] != wantType {
				t.Errorf("reply %d type = %v, want %s", i, msg["type"], wantType)
			}
			if i == 0 {
				item, _ := msg["item"].(map[string]any)
				if item["call_id"] != "call_abc" || item["type"] != "function_call_output" || item["output"] != `{"ok":true}` {
					t.Errorf("item = %v", item)
				}
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for reply %d", i)
		}
	}
}

func TestServerFailure_EmitsError(t *testing.T) {
	t.Parallel()
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		handshake(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	s, err := openai.New("k", openai.WithBaseURL(wsURL(srv))).Open(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	nextEvent(t, s.Events()) // opened
	ev := nextEvent(t, s.Events())
	if ev.Kind != live.EventError || !errors.Is(ev.Err, live.ErrStream) {
		t.Fatalf("event = %+v, want stream error", ev)
	}
	select {
	case _, ok := <-s.Events():
		if ok {
			t.Error("event after terminal error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel not closed")
	}
}
