package web

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/gorilla/websocket"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/mhss/shade/config"
	"github.com/mhss/shade/logging"
	"github.com/mhss/shade/overlay"
	"github.com/mhss/shade/pipeline"
)

type fakePipeline struct {
	mu      sync.Mutex
	cleared int
	visible bool
}

func (p *fakePipeline) Status() pipeline.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pipeline.Status{ID: "abc", Running: true, ModelReady: true, TargetVisible: p.visible}
}

func (p *fakePipeline) Stats() pipeline.Stats {
	return pipeline.Stats{Admitted: 7, Dropped: 3}
}

func (p *fakePipeline) ClearOverlay() {
	p.mu.Lock()
	p.cleared++
	p.mu.Unlock()
}

func (p *fakePipeline) clears() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleared
}

func (p *fakePipeline) SetTargetVisible(visible bool) {
	p.mu.Lock()
	p.visible = visible
	p.mu.Unlock()
}

type fakeStore struct {
	mu     sync.Mutex
	stored []config.Settings
	cur    config.Settings
}

func (s *fakeStore) Current() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *fakeStore) Store(settings config.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, settings)
	s.cur = settings
	return nil
}

func (s *fakeStore) history() []config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]config.Settings(nil), s.stored...)
}

type testServer struct {
	hub      *Hub
	surface  *Surface
	pipeline *fakePipeline
	store    *fakeStore
	http     *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logging.NewTestLogger(t)
	ts := &testServer{
		hub:      NewHub(logger),
		pipeline: &fakePipeline{visible: true},
		store:    &fakeStore{cur: config.DefaultSettings()},
	}
	ts.surface = NewSurface(200, 100, ts.hub, logger)
	handler, err := NewServer(ts.hub, ts.pipeline, ts.store, logger).Handler()
	test.That(t, err, test.ShouldBeNil)
	ts.http = httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.hub.Close()
		ts.http.Close()
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	_, data, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	var msg Message
	test.That(t, json.Unmarshal(data, &msg), test.ShouldBeNil)
	return msg
}

func waitForViewers(t *testing.T, hub *Hub, n int) {
	t.Helper()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, hub.Viewers(), test.ShouldEqual, n)
	})
}

func redBuffer() *image.RGBA {
	buf := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			buf.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	return buf
}

func TestSurfaceRenderAndClear(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	waitForViewers(t, ts.hub, 1)

	w, h := ts.surface.Size()
	test.That(t, w, test.ShouldEqual, 200)
	test.That(t, h, test.ShouldEqual, 100)

	patch := overlay.Patch{
		Buffer:  redBuffer(),
		Content: image.Rect(0, 0, 5, 3),
		Bounds:  r2.RectFromPoints(r2.Point{X: 20, Y: 10}, r2.Point{X: 70, Y: 40}),
		Opacity: 128,
	}
	test.That(t, ts.surface.Render([]overlay.Patch{patch}), test.ShouldBeNil)

	msg := readMessage(t, conn)
	test.That(t, msg.Type, test.ShouldEqual, messageRender)
	test.That(t, msg.Width, test.ShouldEqual, 200)
	test.That(t, msg.Patches, test.ShouldHaveLength, 1)
	got := msg.Patches[0]
	test.That(t, got.X, test.ShouldEqual, 20.)
	test.That(t, got.Y, test.ShouldEqual, 10.)
	test.That(t, got.Width, test.ShouldEqual, 50.)
	test.That(t, got.Height, test.ShouldEqual, 30.)
	test.That(t, got.Opacity, test.ShouldEqual, uint8(128))

	// Only the content rectangle is sent.
	img, err := png.Decode(bytes.NewReader(got.PNG))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, 5)
	test.That(t, img.Bounds().Dy(), test.ShouldEqual, 3)
	r, _, _, a := img.At(img.Bounds().Min.X, img.Bounds().Min.Y).RGBA()
	test.That(t, r, test.ShouldEqual, uint32(0xffff))
	test.That(t, a, test.ShouldEqual, uint32(0xffff))

	test.That(t, ts.surface.Clear(), test.ShouldBeNil)
	msg = readMessage(t, conn)
	test.That(t, msg.Type, test.ShouldEqual, messageClear)
	test.That(t, msg.Patches, test.ShouldBeEmpty)
}

func TestLateViewerGetsLastMessage(t *testing.T) {
	ts := newTestServer(t)

	// Without viewers nothing is encoded or remembered.
	patch := overlay.Patch{Buffer: redBuffer(), Content: image.Rect(0, 0, 2, 2), Opacity: 255}
	test.That(t, ts.surface.Render([]overlay.Patch{patch}), test.ShouldBeNil)
	test.That(t, ts.surface.Clear(), test.ShouldBeNil)

	conn := ts.dial(t)
	msg := readMessage(t, conn)
	test.That(t, msg.Type, test.ShouldEqual, messageClear)
}

func TestHubClose(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)
	waitForViewers(t, ts.hub, 1)

	ts.hub.Close()
	test.That(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)), test.ShouldBeNil)
	_, _, err := conn.ReadMessage()
	test.That(t, websocket.IsCloseError(err, websocket.CloseGoingAway), test.ShouldBeTrue)
	waitForViewers(t, ts.hub, 0)

	// Broadcasting after close is a no-op.
	ts.hub.Broadcast([]byte(`{}`))
}

func TestStatusAndStats(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.http.URL + "/status")
	test.That(t, err, test.ShouldBeNil)
	var status pipeline.Status
	test.That(t, json.NewDecoder(resp.Body).Decode(&status), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, status.ID, test.ShouldEqual, "abc")
	test.That(t, status.Running, test.ShouldBeTrue)

	resp, err = http.Get(ts.http.URL + "/stats")
	test.That(t, err, test.ShouldBeNil)
	var stats pipeline.Stats
	test.That(t, json.NewDecoder(resp.Body).Decode(&stats), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, stats.Admitted, test.ShouldEqual, uint64(7))
	test.That(t, stats.Dropped, test.ShouldEqual, uint64(3))
}

func TestControls(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.http.URL+"/clear", "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNoContent)
	test.That(t, ts.pipeline.clears(), test.ShouldEqual, 1)

	resp, err = http.Post(ts.http.URL+"/visible/off", "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, ts.pipeline.Status().TargetVisible, test.ShouldBeFalse)

	resp, err = http.Post(ts.http.URL+"/visible/maybe", "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
}

func TestSettingsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	body := strings.NewReader(`{"confidence_percent": 140, "full_scene": true}`)
	resp, err := http.Post(ts.http.URL+"/settings", "application/json", body)
	test.That(t, err, test.ShouldBeNil)
	var got config.Settings
	test.That(t, json.NewDecoder(resp.Body).Decode(&got), test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)

	// Unposted fields keep their values and the rest is clamped.
	test.That(t, got.ConfidencePercent, test.ShouldEqual, float32(100))
	test.That(t, got.FullScene, test.ShouldBeTrue)
	test.That(t, got.PixelationLevel, test.ShouldEqual, config.DefaultSettings().PixelationLevel)
	stored := ts.store.history()
	test.That(t, stored, test.ShouldHaveLength, 1)
	test.That(t, stored[0], test.ShouldResemble, got)

	resp, err = http.Post(ts.http.URL+"/settings", "application/json", strings.NewReader(`{"loud": 1}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, ts.store.history(), test.ShouldHaveLength, 1)
}

func TestSettingsSchema(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/settings/schema")
	test.That(t, err, test.ShouldBeNil)
	var schema bytes.Buffer
	_, err = schema.ReadFrom(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	for _, field := range []string{"confidence_percent", "pixelation_level", "overlay_opacity", "full_scene", "performance_mode"} {
		test.That(t, schema.String(), test.ShouldContainSubstring, field)
	}
}

func TestViewerPage(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.http.URL + "/")
	test.That(t, err, test.ShouldBeNil)
	var page bytes.Buffer
	_, err = page.ReadFrom(resp.Body)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	test.That(t, page.String(), test.ShouldContainSubstring, "/ws")
}

func TestDebugRequests(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	logger.SetLevel(logging.INFO)
	hub := NewHub(logger)
	p := &fakePipeline{}
	handler, err := NewServer(hub, p, nil, logger).Handler()
	test.That(t, err, test.ShouldBeNil)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	resp, err := http.Post(srv.URL+"/clear", "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.Header.Get(DebugHeader), test.ShouldBeEmpty)
	test.That(t, logs.FilterMessage("overlay clear requested").Len(), test.ShouldEqual, 0)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/clear", nil)
	test.That(t, err, test.ShouldBeNil)
	req.Header.Set(DebugHeader, "trace1")
	resp, err = http.DefaultClient.Do(req)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.Header.Get(DebugHeader), test.ShouldEqual, "trace1")
	entries := logs.FilterMessage("overlay clear requested").All()
	test.That(t, entries, test.ShouldHaveLength, 1)
	test.That(t, entries[0].ContextMap()["debug_key"], test.ShouldEqual, "trace1")
	test.That(t, p.clears(), test.ShouldEqual, 2)

	// A bare query parameter gets a generated key.
	resp, err = http.Post(srv.URL+"/visible/off?debug", "", nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, resp.Header.Get(DebugHeader), test.ShouldHaveLength, 6)
	test.That(t, logs.FilterMessage("visibility requested").Len(), test.ShouldEqual, 1)
}
