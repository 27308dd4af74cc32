package webservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"screenlink/adb"
	"screenlink/nal"
	"screenlink/scrcpy"
	"screenlink/screen"
	"screenlink/session"
	"screenlink/webrtcsink"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeMirror struct {
	mu        sync.Mutex
	pushed    []scrcpy.ControlMessage
	refuse    bool
	clipboard string
	subs      map[int]func(string)
	next      int
	hub       *screen.Hub
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{subs: make(map[int]func(string)), hub: screen.NewHub(nal.H264)}
}

func (m *fakeMirror) Status() session.Status {
	return session.Status{ID: "test-session", Device: scrcpy.DeviceInfo{Name: "pixel"}, Running: true}
}

func (m *fakeMirror) PushControl(msg scrcpy.ControlMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refuse {
		return false
	}
	m.pushed = append(m.pushed, msg)
	return true
}

func (m *fakeMirror) messages() []scrcpy.ControlMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scrcpy.ControlMessage(nil), m.pushed...)
}

func (m *fakeMirror) Clipboard() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clipboard
}

func (m *fakeMirror) SubscribeClipboard(fn func(string)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *fakeMirror) subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *fakeMirror) deviceClipboard(text string) {
	m.mu.Lock()
	m.clipboard = text
	var subs []func(string)
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(text)
	}
}

func (m *fakeMirror) Hub() *screen.Hub         { return m.hub }
func (m *fakeMirror) WebRTC() *webrtcsink.Sink { return nil }

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestUnlockFlow(t *testing.T) {
	wm := New(newFakeMirror(), Options{PIN: "1234", JWTSecret: "secret"})
	h := wm.Handler()

	w := do(t, h, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodGet, "/api/session", nil, "Accept", "text/html")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/unlock", w.Header().Get("Location"))

	w = do(t, h, http.MethodPost, "/api/unlock", map[string]string{"pin": "0000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.EqualValues(t, maxUnlockAttempts-1, decode(t, w)["leftTries"])

	w = do(t, h, http.MethodPost, "/api/unlock", map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusOK, w.Code)
	token, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, token)
	cookie := w.Result().Cookies()
	require.Len(t, cookie, 1)
	assert.Equal(t, authCookie, cookie[0].Name)
	assert.True(t, cookie[0].HttpOnly)

	w = do(t, h, http.MethodGet, "/api/session", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "test-session", decode(t, w)["id"])

	w = do(t, h, http.MethodGet, "/api/session", nil, "Cookie", authCookie+"="+token)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestTokenFromOtherSecretRejected(t *testing.T) {
	wm := New(newFakeMirror(), Options{PIN: "1234", JWTSecret: "secret"})
	other := New(newFakeMirror(), Options{PIN: "1234", JWTSecret: "another"})
	token, err := other.GenerateToken()
	require.NoError(t, err)
	assert.False(t, wm.validateToken(token))

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &CustomClaims{Role: "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.False(t, wm.validateToken(unsigned))
}

func TestUnlockLockout(t *testing.T) {
	wm := New(newFakeMirror(), Options{PIN: "1234", JWTSecret: "secret"})
	h := wm.Handler()
	for i := 0; i < maxUnlockAttempts; i++ {
		w := do(t, h, http.MethodPost, "/api/unlock", map[string]string{"pin": "bad"})
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := do(t, h, http.MethodPost, "/api/unlock", map[string]string{"pin": "1234"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// lockout expired
	wm.unlockMu.Lock()
	for ip, rec := range wm.unlockAttempts {
		rec.LockUntil = time.Now().Add(-time.Second)
		wm.unlockAttempts[ip] = rec
	}
	wm.unlockMu.Unlock()
	w = do(t, h, http.MethodPost, "/api/unlock", map[string]string{"pin": "1234"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestOpenWithoutPIN(t *testing.T) {
	h := New(newFakeMirror(), Options{}).Handler()
	w := do(t, h, http.MethodGet, "/api/session", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestControlEndpoints(t *testing.T) {
	base := map[string]any{"x": 10, "y": 20, "width": 720, "height": 1280}
	pos := scrcpy.Position{Screen: scrcpy.Size{Width: 720, Height: 1280}, Point: scrcpy.Point{X: 10, Y: 20}}
	with := func(extra map[string]any) map[string]any {
		out := map[string]any{}
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	tests := []struct {
		path string
		body any
		want []scrcpy.ControlMessage
	}{
		{"/api/control/key", map[string]any{"keycode": scrcpy.KeycodeHome}, []scrcpy.ControlMessage{
			scrcpy.InjectKeycode{Action: scrcpy.KeyActionDown, Keycode: scrcpy.KeycodeHome},
			scrcpy.InjectKeycode{Action: scrcpy.KeyActionUp, Keycode: scrcpy.KeycodeHome},
		}},
		{"/api/control/key", map[string]any{"action": "down", "keycode": 29, "metastate": scrcpy.MetaCtrlOn}, []scrcpy.ControlMessage{
			scrcpy.InjectKeycode{Action: scrcpy.KeyActionDown, Keycode: 29, Metastate: scrcpy.MetaCtrlOn},
		}},
		{"/api/control/text", map[string]any{"text": "hello"}, []scrcpy.ControlMessage{scrcpy.InjectText{Text: "hello"}}},
		{"/api/control/touch", with(map[string]any{"action": "down"}), []scrcpy.ControlMessage{
			scrcpy.InjectTouchEvent{Action: scrcpy.MotionActionDown, PointerID: scrcpy.PointerIDVirtualFinger, Position: pos, Pressure: 1},
		}},
		{"/api/control/touch", with(map[string]any{"action": "up", "pointer_id": 3}), []scrcpy.ControlMessage{
			scrcpy.InjectTouchEvent{Action: scrcpy.MotionActionUp, PointerID: 3, Position: pos},
		}},
		{"/api/control/scroll", with(map[string]any{"vscroll": -1}), []scrcpy.ControlMessage{
			scrcpy.InjectScrollEvent{Position: pos, VScroll: -1},
		}},
		{"/api/control/clipboard", map[string]any{"text": "paste me"}, []scrcpy.ControlMessage{scrcpy.SetClipboard{Text: "paste me"}}},
		{"/api/control/power", map[string]any{"mode": "off"}, []scrcpy.ControlMessage{scrcpy.SetScreenPowerMode{Mode: scrcpy.ScreenPowerModeOff}}},
		{"/api/control/rotate", nil, []scrcpy.ControlMessage{scrcpy.RotateDevice{}}},
		{"/api/control/back", nil, []scrcpy.ControlMessage{scrcpy.BackOrScreenOn{}}},
		{"/api/control/panel/expand", nil, []scrcpy.ControlMessage{scrcpy.ExpandNotificationPanel{}}},
		{"/api/control/panel/collapse", nil, []scrcpy.ControlMessage{scrcpy.CollapseNotificationPanel{}}},
	}
	for _, tt := range tests {
		t.Run(strings.TrimPrefix(tt.path, "/api/control/"), func(t *testing.T) {
			m := newFakeMirror()
			w := do(t, New(m, Options{}).Handler(), http.MethodPost, tt.path, tt.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			assert.Equal(t, tt.want, m.messages())
		})
	}
}

func TestControlRejects(t *testing.T) {
	tests := []struct {
		path string
		body any
	}{
		{"/api/control/key", map[string]any{"action": "down"}},
		{"/api/control/key", map[string]any{"action": "hold", "keycode": 3}},
		{"/api/control/text", map[string]any{"text": strings.Repeat("x", scrcpy.InjectTextMaxLength+1)}},
		{"/api/control/touch", map[string]any{"action": "tap", "width": 1, "height": 1}},
		{"/api/control/touch", map[string]any{"action": "down"}},
		{"/api/control/power", map[string]any{"mode": "dim"}},
	}
	for _, tt := range tests {
		m := newFakeMirror()
		w := do(t, New(m, Options{}).Handler(), http.MethodPost, tt.path, tt.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, "%s %v", tt.path, tt.body)
		assert.Empty(t, m.messages())
	}
}

func TestControlUnavailable(t *testing.T) {
	m := newFakeMirror()
	m.refuse = true
	w := do(t, New(m, Options{}).Handler(), http.MethodPost, "/api/control/back", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestClipboard(t *testing.T) {
	m := newFakeMirror()
	m.clipboard = "copied"
	h := New(m, Options{}).Handler()

	w := do(t, h, http.MethodGet, "/api/clipboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "copied", decode(t, w)["text"])
	assert.Empty(t, m.messages())

	w = do(t, h, http.MethodGet, "/api/clipboard?refresh=1", nil)
	assert.Equal(t, true, decode(t, w)["refresh_queued"])
	assert.Equal(t, []scrcpy.ControlMessage{scrcpy.GetClipboard{}}, m.messages())
}

type fakeDevices struct {
	connected, paired []string
	err               error
}

func (f *fakeDevices) Devices(context.Context) ([]adb.Device, error) {
	return []adb.Device{{Serial: "emulator-5554", State: "device"}}, f.err
}

func (f *fakeDevices) Connect(_ context.Context, address string) error {
	f.connected = append(f.connected, address)
	return f.err
}

func (f *fakeDevices) Pair(_ context.Context, address, code string) error {
	f.paired = append(f.paired, address+"/"+code)
	return f.err
}

func TestDevices(t *testing.T) {
	devices := &fakeDevices{}
	h := New(newFakeMirror(), Options{Devices: devices}).Handler()

	w := do(t, h, http.MethodGet, "/api/devices", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []adb.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []adb.Device{{Serial: "emulator-5554", State: "device"}}, list)

	w = do(t, h, http.MethodPost, "/api/devices/connect", map[string]string{"ip": "192.168.1.20", "port": "5555"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, h, http.MethodPost, "/api/devices/pair", map[string]string{"ip": "192.168.1.20", "port": "37000", "code": "123456"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"192.168.1.20:5555"}, devices.connected)
	assert.Equal(t, []string{"192.168.1.20:37000/123456"}, devices.paired)

	devices.err = errors.New("failed to connect")
	w = do(t, h, http.MethodPost, "/api/devices/connect", map[string]string{"ip": "10.0.0.1"})
	assert.Equal(t, http.StatusBadGateway, w.Code)

	h = New(newFakeMirror(), Options{}).Handler()
	w = do(t, h, http.MethodGet, "/api/devices", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestDiscoveredDevices(t *testing.T) {
	rounds := 0
	wm := New(newFakeMirror(), Options{Discover: func(ctx context.Context) ([]adb.Endpoint, error) {
		rounds++
		if rounds == 1 {
			return []adb.Endpoint{{Instance: "pixel", IP: "192.168.1.20", Port: 40000}}, nil
		}
		return []adb.Endpoint{
			{Instance: "pixel", IP: "192.168.1.20", Port: 41000},
			{Instance: "galaxy", IP: "192.168.1.21", Port: 42000},
		}, nil
	}})
	wm.discoverOnce(context.Background())
	wm.discoverOnce(context.Background())

	w := do(t, wm.Handler(), http.MethodGet, "/api/devices/discovered", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []adb.Endpoint
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []adb.Endpoint{
		{Instance: "galaxy", IP: "192.168.1.21", Port: 42000},
		{Instance: "pixel", IP: "192.168.1.20", Port: 41000},
	}, list)
}

func TestWebRTCDisabled(t *testing.T) {
	h := New(newFakeMirror(), Options{}).Handler()
	w := do(t, h, http.MethodPost, "/api/webrtc/offer", map[string]string{"sdp": "v=0"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func dialWS(t *testing.T, h http.Handler, path string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestControlWebSocket(t *testing.T) {
	m := newFakeMirror()
	conn := dialWS(t, New(m, Options{}).Handler(), "/ws")
	require.Eventually(t, func() bool { return m.subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	var frame []byte
	for _, msg := range []scrcpy.ControlMessage{scrcpy.InjectText{Text: "hi"}, scrcpy.GetClipboard{}} {
		b, err := scrcpy.SerializeControlMessage(msg)
		require.NoError(t, err)
		frame = append(frame, b...)
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame))
	require.Eventually(t, func() bool { return len(m.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []scrcpy.ControlMessage{scrcpy.InjectText{Text: "hi"}, scrcpy.GetClipboard{}}, m.messages())

	m.deviceClipboard("from device")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, typ)
	msg, n, err := scrcpy.DeserializeDeviceMessage(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, scrcpy.Clipboard{Text: "from device"}, msg)

	conn.Close()
	require.Eventually(t, func() bool { return m.subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPushWireRejectsTruncated(t *testing.T) {
	m := newFakeMirror()
	wm := New(m, Options{})
	b, err := scrcpy.SerializeControlMessage(scrcpy.InjectKeycode{Keycode: 3})
	require.NoError(t, err)
	assert.Error(t, wm.pushWire(b[:4]))
	assert.Empty(t, m.messages())

	m.refuse = true
	assert.ErrorIs(t, wm.pushWire(b), errControlUnavailable)
}

func TestScreenWebSocket(t *testing.T) {
	m := newFakeMirror()
	dialWS(t, New(m, Options{}).Handler(), "/ws/screen")
	require.Eventually(t, func() bool { return m.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeShutsDown(t *testing.T) {
	wm := New(newFakeMirror(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- wm.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(6 * time.Second):
		t.Fatal("Serve did not return")
	}
}
