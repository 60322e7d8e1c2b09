package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/kalambet/streamdl/internal/extract"
	"github.com/kalambet/streamdl/internal/extract/extracttest"
	"github.com/kalambet/streamdl/internal/logging"
	"github.com/kalambet/streamdl/internal/progress"
	"github.com/kalambet/streamdl/internal/storage"
)

const testOrigin = "http://localhost:3000"

type testEnv struct {
	srv      *httptest.Server
	root     *storage.Root
	registry *progress.Registry
}

func newTestEnv(t *testing.T, tc extract.Toolchain) *testEnv {
	t.Helper()
	logger := logging.NewNop()
	root, err := storage.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	registry := progress.NewRegistry(0, logger)
	t.Cleanup(registry.Close)

	runner := &extract.Runner{Toolchain: tc, Root: root, Logger: logger}
	return newTestEnvWithRunner(t, runner, root, registry)
}

func newTestEnvWithRunner(t *testing.T, runner JobRunner, root *storage.Root, registry *progress.Registry) *testEnv {
	t.Helper()
	h := NewHandler(Deps{
		Registry:       registry,
		Runner:         runner,
		Root:           root,
		AllowedOrigins: []string{testOrigin, "http://localhost:5173"},
		Version:        "1.0.0",
		Logger:         logging.NewNop(),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, root: root, registry: registry}
}

func (e *testEnv) download(t *testing.T, url, clientID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/download", nil)
	if err != nil {
		t.Fatal(err)
	}
	q := req.URL.Query()
	q.Set("url", url)
	if clientID != "" {
		q.Set("client_id", clientID)
	}
	req.URL.RawQuery = q.Encode()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	return resp
}

// listen connects a notification channel and returns the events it receives.
// It returns once the registry routes events for clientID to the new socket.
func (e *testEnv) listen(t *testing.T, clientID string) <-chan progress.Event {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + clientID
	ws, err := websocket.Dial(wsURL, "", testOrigin)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { ws.Close() })

	ready := make(chan struct{})
	events := make(chan progress.Event, 256)
	go func() {
		defer close(events)
		var once sync.Once
		for {
			var ev progress.Event
			if err := websocket.JSON.Receive(ws, &ev); err != nil {
				return
			}
			if ev.Text == readyCheck {
				once.Do(func() { close(ready) })
				continue
			}
			events <- ev
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		e.registry.Send(clientID, progress.Converting(readyCheck))
		select {
		case <-ready:
			return events
		case <-deadline:
			t.Fatalf("notification channel %s never became ready", clientID)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

const readyCheck = "ready-check"

// collectUntil gathers events until stop returns true for one of them.
func collectUntil(t *testing.T, events <-chan progress.Event, stop func(progress.Event) bool) []progress.Event {
	t.Helper()
	var got []progress.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("channel closed early, got %+v", got)
			}
			got = append(got, ev)
			if stop(ev) {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out, got %+v", got)
		}
	}
}

func (e *testEnv) assertRootEmpty(t *testing.T) {
	t.Helper()
	waitFor(t, func() bool {
		entries, err := os.ReadDir(e.root.Dir())
		return err == nil && len(entries) == 0
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeError(t *testing.T, resp *http.Response) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Message, body.Error.Type
}

var percentPattern = regexp.MustCompile(`^\d{1,3}\.\d$`)

func sources() map[string]extracttest.Source {
	return map[string]extracttest.Source{
		"https://src/single-track":  {Title: "Single Track"},
		"https://src/other-track":   {Title: "Other Track"},
		"https://src/playlist-of-3": {Title: "Road Trip", Items: []string{"first", "second", "third"}},
		"https://src/broken":        {Title: "Broken", DownloadErr: errors.New("ERROR: HTTP Error 403: Forbidden"), FailAfter: 1},
	}
}

func TestRootAndHealth(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{})

	resp, err := http.Get(env.srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "online" || body["version"] != "1.0.0" {
		t.Errorf("root = %v", body)
	}

	resp, err = http.Get(env.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

func TestDownloadRequiresURL(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{})
	resp, err := http.Post(env.srv.URL+"/download", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if _, typ := decodeError(t, resp); typ != "invalid_request_error" {
		t.Errorf("type = %q", typ)
	}
}

// Scenario A: single item, no channel connected.
func TestDownloadSingleItem(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})

	resp := env.download(t, "https://src/single-track", "c1")
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	cd := resp.Header.Get("Content-Disposition")
	if !strings.HasPrefix(cd, "attachment;") || !strings.Contains(cd, "_Single Track.mp3") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if !strings.HasPrefix(string(body), "audio:") {
		t.Errorf("body = %q", body)
	}
	env.assertRootEmpty(t)
}

// Scenario B: playlist with a connected channel.
func TestDownloadPlaylistStreamsProgress(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})
	events := env.listen(t, "c2")

	resp := env.download(t, "https://src/playlist-of-3", "c2")
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, ".zip") {
		t.Errorf("Content-Disposition = %q", cd)
	}

	got := collectUntil(t, events, func(ev progress.Event) bool { return ev.Text == "Packaging archive" })
	tagged, converting := false, false
	for _, ev := range got {
		switch ev.Status {
		case progress.StatusDownloading:
			if strings.Contains(ev.Text, "(1/3)") || strings.Contains(ev.Text, "(2/3)") || strings.Contains(ev.Text, "(3/3)") {
				tagged = true
			}
			if !percentPattern.MatchString(ev.Percent) {
				t.Errorf("downloading event percent %q, want one decimal place: %+v", ev.Percent, ev)
			}
		case progress.StatusConverting:
			converting = true
		case progress.StatusError:
			t.Errorf("unexpected error event: %+v", ev)
		}
	}
	if !tagged {
		t.Error("no downloading event carried an item position")
	}
	if !converting {
		t.Error("no converting event")
	}
	env.assertRootEmpty(t)
}

func TestDownloadIgnoresRange(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/download?url="+url.QueryEscape("https://src/single-track"), nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Range", "bytes=0-3")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		t.Errorf("Content-Range = %q, want none", cr)
	}
	if ar := resp.Header.Get("Accept-Ranges"); ar != "" {
		t.Errorf("Accept-Ranges = %q, want none", ar)
	}
	if int64(len(body)) != resp.ContentLength {
		t.Errorf("body is %d bytes, Content-Length %d", len(body), resp.ContentLength)
	}
	if !strings.HasPrefix(string(body), "audio:") || !strings.HasSuffix(string(body), "Single Track.webm") {
		t.Errorf("body = %q, want the whole artifact", body)
	}
	env.assertRootEmpty(t)
}

// Scenario C: unreachable source.
func TestDownloadProbeFailure(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})
	events := env.listen(t, "c3")

	resp := env.download(t, "https://unreachable.invalid/x", "c3")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msg, typ := decodeError(t, resp)
	if typ != "probe_error" || !strings.Contains(msg, "Unsupported URL") {
		t.Errorf("error = %q (%s)", msg, typ)
	}

	got := collectUntil(t, events, func(ev progress.Event) bool { return ev.Status == progress.StatusError })
	if len(got) != 1 {
		t.Errorf("events before error = %+v", got)
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected extra event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	env.assertRootEmpty(t)
}

func TestDownloadExtractionFailureSweepsPartialFiles(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})
	events := env.listen(t, "c5")

	resp := env.download(t, "https://src/broken", "c5")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msg, typ := decodeError(t, resp)
	if typ != "extraction_error" || !strings.Contains(msg, "403") {
		t.Errorf("error = %q (%s)", msg, typ)
	}
	if strings.Contains(msg, env.root.Dir()) {
		t.Errorf("message leaks storage path: %q", msg)
	}

	got := collectUntil(t, events, func(ev progress.Event) bool { return ev.Status == progress.StatusError })
	if last := got[len(got)-1]; last.Text != msg {
		t.Errorf("error event text = %q, want %q", last.Text, msg)
	}
	env.assertRootEmpty(t)
}

// Scenario D: concurrent jobs for different clients stay isolated.
func TestConcurrentDownloadsAreIsolated(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})
	clients := map[string]string{
		"c6": "https://src/single-track",
		"c7": "https://src/other-track",
	}
	titles := map[string]string{"c6": "Single Track", "c7": "Other Track"}

	streams := make(map[string]<-chan progress.Event)
	for id := range clients {
		streams[id] = env.listen(t, id)
	}

	var wg sync.WaitGroup
	names := make(map[string]string)
	var mu sync.Mutex
	for id, url := range clients {
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			resp := env.download(t, url, id)
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("%s: status %d", id, resp.StatusCode)
				return
			}
			mu.Lock()
			names[id] = resp.Header.Get("Content-Disposition")
			mu.Unlock()
		}(id, url)
	}
	wg.Wait()

	if names["c6"] == names["c7"] {
		t.Errorf("artifact names collided: %q", names["c6"])
	}
	for id, events := range streams {
		got := collectUntil(t, events, func(ev progress.Event) bool { return ev.Status == progress.StatusConverting })
		for _, ev := range got {
			if !strings.Contains(ev.Text, titles[id]) {
				t.Errorf("%s received a foreign event: %+v", id, ev)
			}
		}
	}
	env.assertRootEmpty(t)
}

type missingArtifactRunner struct{}

func (missingArtifactRunner) Start(_ context.Context, job extract.Job, _ progress.Emitter) <-chan extract.Result {
	out := make(chan extract.Result, 1)
	out <- extract.Result{Artifact: extract.Artifact{
		JobID: job.ID,
		Path:  "/nonexistent/" + job.ID + "_gone.mp3",
		Name:  job.ID + "_gone.mp3",
		Kind:  extract.KindAudio,
	}}
	return out
}

func (missingArtifactRunner) SafeMessage(err error) string { return err.Error() }

func TestDownloadArtifactMissing(t *testing.T) {
	logger := logging.NewNop()
	root, err := storage.Open(t.TempDir(), logger)
	if err != nil {
		t.Fatal(err)
	}
	registry := progress.NewRegistry(0, logger)
	defer registry.Close()
	env := newTestEnvWithRunner(t, missingArtifactRunner{}, root, registry)
	events := env.listen(t, "c8")

	resp := env.download(t, "https://src/any", "c8")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msg, typ := decodeError(t, resp)
	if typ != "server_error" || msg != extract.ErrArtifactMissing.Error() {
		t.Errorf("error = %q (%s)", msg, typ)
	}
	// The runner did not report this failure, so the orchestrator does.
	got := collectUntil(t, events, func(ev progress.Event) bool { return ev.Status == progress.StatusError })
	if len(got) != 1 {
		t.Errorf("events = %+v", got)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/download", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("preflight Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Allow-Credentials = %q", got)
	}

	req, _ = http.NewRequest(http.MethodPost, env.srv.URL+"/download?url=https://src/single-track", nil)
	req.Header.Set("Origin", testOrigin)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if got := resp.Header.Get("Access-Control-Expose-Headers"); !strings.Contains(got, "Content-Disposition") {
		t.Errorf("Expose-Headers = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, env.srv.URL+"/", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Allow-Origin %q", got)
	}
}

func TestNotifyRejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/c9"
	if _, err := websocket.Dial(wsURL, "", "http://evil.example"); err == nil {
		t.Fatal("expected handshake to be rejected")
	}
	if env.registry.Len() != 0 {
		t.Error("rejected connection was registered")
	}
}

func TestNotifyReplacementKeepsNewestChannel(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{Sources: sources()})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/same"

	first, err := websocket.Dial(wsURL, "", testOrigin)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return env.registry.Len() == 1 })
	second := env.listen(t, "same")

	// The replaced socket disconnecting must not evict its successor.
	first.Close()
	time.Sleep(50 * time.Millisecond)
	if env.registry.Len() != 1 {
		t.Fatalf("registry len = %d after old socket closed", env.registry.Len())
	}

	resp := env.download(t, "https://src/single-track", "same")
	resp.Body.Close()
	collectUntil(t, second, func(ev progress.Event) bool { return ev.Status == progress.StatusConverting })
}

func TestNotifyDisconnectUnregisters(t *testing.T) {
	env := newTestEnv(t, &extracttest.Toolchain{})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws/gone"
	ws, err := websocket.Dial(wsURL, "", testOrigin)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return env.registry.Len() == 1 })
	ws.Close()
	waitFor(t, func() bool { return env.registry.Len() == 0 })
}

func TestContentDisposition(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"abc_Song.mp3", `attachment; filename=abc_Song.mp3`},
		{"abc_Some Song.mp3", `attachment; filename="abc_Some Song.mp3"`},
		{"abc_Canción.mp3", `attachment; filename=abc_Cancion.mp3; filename*=UTF-8''abc_Canci%C3%B3n.mp3`},
		{`a"b.mp3`, `attachment; filename=a_b.mp3; filename*=UTF-8''a%22b.mp3`},
	}
	for _, tt := range tests {
		if got := contentDisposition(tt.name); got != tt.want {
			t.Errorf("contentDisposition(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
