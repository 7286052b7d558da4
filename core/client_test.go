package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lisuiheng/realtime-go/audio"
	"github.com/lisuiheng/realtime-go/audio/mock"
	"github.com/lisuiheng/realtime-go/pkg/interfaces"
)

// fakeServer is a minimal realtime endpoint. The handler runs once per
// connection with the upgraded socket.
func fakeServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(serverURL string) Config {
	var cfg Config
	cfg.Server.URL = "ws" + strings.TrimPrefix(serverURL, "http")
	cfg.Server.Model = "test-model"
	cfg.Server.Transport = "websocket"
	cfg.Server.ProtocolVersion = "realtime=v1"
	cfg.Server.AccessToken = "sk-test"
	cfg.Server.DialTimeout = 2 * time.Second
	cfg.Session.Modalities = []string{"text", "audio"}
	cfg.Session.Voice = "alloy"
	cfg.Session.TranscriptionModel = "whisper-1"
	cfg.Session.TurnDetection.Type = "server_vad"
	cfg.Session.TurnDetection.Threshold = 0.5
	cfg.Audio.SampleRate = testFormat.SampleRate
	cfg.Audio.Channels = testFormat.Channels
	cfg.Audio.FrameSize = testFormat.FrameSize
	return cfg
}

type testDevices struct {
	capture *mock.Capture
	output  *mock.Output
}

func (d testDevices) devices() Devices {
	return Devices{
		OpenCapture: func(audio.Format) (audio.CaptureDevice, error) { return d.capture, nil },
		OpenOutput:  func(audio.Format) (audio.OutputDevice, error) { return d.output, nil },
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return nil
	}
	var evt map[string]any
	if err := json.Unmarshal(data, &evt); err != nil {
		t.Errorf("server unmarshal: %v", err)
		return nil
	}
	return evt
}

func TestClient_EndToEnd(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	events := make(chan map[string]any, 8)
	headers := make(chan *http.Request, 1)

	srv := fakeServer(t, func(r *http.Request, conn *websocket.Conn) {
		headers <- r

		// 第一条必须是 session.update
		events <- readEvent(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"session.updated","session":{"id":"sess_42"}}`))

		for range 2 {
			events <- readEvent(t, conn)
		}
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"response.audio.delta","response_id":"resp_1","delta":"AAAA"}`))

		<-release
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	})

	devs := testDevices{
		capture: mock.NewCapture(
			mock.Read{Data: []byte{1, 0, 2, 0, 3, 0, 4, 0}},
			mock.Read{Data: []byte{5, 0, 6, 0, 7, 0, 8, 0}},
		),
		output: mock.NewOutput(),
	}
	client, err := NewClient(testConfig(srv.URL), devs.devices(), discardLogger(), testMetrics(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	r := <-headers
	if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := r.Header.Get("OpenAI-Beta"); got != "realtime=v1" {
		t.Errorf("OpenAI-Beta = %q", got)
	}
	if got := r.URL.Query().Get("model"); got != "test-model" {
		t.Errorf("model query = %q", got)
	}

	update := <-events
	if update["type"] != "session.update" {
		t.Fatalf("first event type = %v; want session.update", update["type"])
	}
	if id, _ := update["event_id"].(string); !strings.HasPrefix(id, "evt_") {
		t.Errorf("event_id = %q", id)
	}
	session, _ := update["session"].(map[string]any)
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats = %v / %v", session["input_audio_format"], session["output_audio_format"])
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v", session["voice"])
	}
	if td, _ := session["turn_detection"].(map[string]any); td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v", session["turn_detection"])
	}

	for range 2 {
		evt := <-events
		if evt["type"] != "input_audio_buffer.append" {
			t.Errorf("event type = %v; want input_audio_buffer.append", evt["type"])
		}
		payload, _ := evt["audio"].(string)
		frame, err := audio.Decode(payload)
		if err != nil || len(frame) != testFormat.FrameBytes() {
			t.Errorf("append audio = %q (%v)", payload, err)
		}
	}

	if !devs.output.WaitFrames(1, 2*time.Second) {
		t.Fatal("audio delta was not played")
	}
	if got := devs.output.Frames()[0]; len(got) != 3 {
		t.Errorf("played frame = %v; want 3 zero bytes", got)
	}

	status := client.GetStatus()
	if status.Session != SessionActive || status.SessionID != "sess_42" {
		t.Errorf("status = %+v; want active sess_42", status)
	}
	if status.ConnectionStatus != "connected" {
		t.Errorf("connection status = %q", status.ConnectionStatus)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error = %v; want nil on normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after server close")
	}

	if client.GetStatus().Session != SessionClosed {
		t.Errorf("session = %s; want closed", client.GetStatus().Session)
	}
	if !devs.capture.Closed() || !devs.output.Closed() {
		t.Error("audio devices not released")
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		readEvent(t, conn)
		// 不发送关闭帧直接断开
		_ = conn.UnderlyingConn().Close()
	})

	devs := testDevices{capture: mock.NewCapture(), output: mock.NewOutput()}
	client, err := NewClient(testConfig(srv.URL), devs.devices(), discardLogger(), testMetrics(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("Run error = %v; want ErrConnectionLost", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after connection drop")
	}
	if !devs.capture.Closed() || !devs.output.Closed() {
		t.Error("audio devices not released")
	}
}

func TestClient_CancelStopsRun(t *testing.T) {
	t.Parallel()

	srv := fakeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	devs := testDevices{capture: mock.NewCapture(), output: mock.NewOutput()}
	client, err := NewClient(testConfig(srv.URL), devs.devices(), discardLogger(), testMetrics(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	opened := false
	devices := Devices{
		OpenCapture: func(audio.Format) (audio.CaptureDevice, error) { opened = true; return mock.NewCapture(), nil },
		OpenOutput:  func(audio.Format) (audio.OutputDevice, error) { opened = true; return mock.NewOutput(), nil },
	}
	client, err := NewClient(testConfig(srv.URL), devices, discardLogger(), testMetrics(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	err = client.Run(context.Background())
	if !errors.Is(err, interfaces.ErrConnectionFailed) {
		t.Fatalf("Run error = %v; want ErrConnectionFailed", err)
	}
	if opened {
		t.Error("audio devices opened before the connection was established")
	}
	if client.GetStatus().Session != SessionUninitialized {
		t.Errorf("session = %s; want uninitialized", client.GetStatus().Session)
	}
}

func TestClient_OutputFailureKeepsSession(t *testing.T) {
	t.Parallel()

	events := make(chan map[string]any, 4)
	release := make(chan struct{})
	srv := fakeServer(t, func(_ *http.Request, conn *websocket.Conn) {
		events <- readEvent(t, conn)
		events <- readEvent(t, conn)
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"response.audio.delta","response_id":"resp_1","delta":"AAAA"}`))
		<-release
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	devices := Devices{
		OpenCapture: func(audio.Format) (audio.CaptureDevice, error) {
			return mock.NewCapture(mock.Read{Data: make([]byte, testFormat.FrameBytes())}), nil
		},
		OpenOutput: func(audio.Format) (audio.OutputDevice, error) {
			return nil, errors.New("no output device")
		},
	}
	client, err := NewClient(testConfig(srv.URL), devices, discardLogger(), testMetrics(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	<-events
	if evt := <-events; evt["type"] != "input_audio_buffer.append" {
		t.Errorf("capture did not continue without output: %v", evt["type"])
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run error = %v; want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if n := client.Playback().Len(); n != 0 {
		t.Errorf("queued frames = %d; want 0 with no output", n)
	}
}

func TestNewProtocol_Unsupported(t *testing.T) {
	t.Parallel()

	cfg := testConfig("http://localhost")
	cfg.Server.Transport = "mqtt"
	if _, err := NewProtocol(cfg); !errors.Is(err, ErrUnsupportedProtocol) {
		t.Errorf("NewProtocol error = %v; want ErrUnsupportedProtocol", err)
	}
}

func TestClient_SendAudioBeforeConnect(t *testing.T) {
	t.Parallel()

	devs := testDevices{capture: mock.NewCapture(), output: mock.NewOutput()}
	client, err := NewClient(testConfig("http://localhost"), devs.devices(), discardLogger(), testMetrics(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.SendAudio([]byte{0, 0}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio error = %v; want ErrNotConnected", err)
	}
}
