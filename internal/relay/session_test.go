package relay_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/relay"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func testConfig(command string) relay.Config {
	return relay.Config{
		SampleRate:       48000,
		Channels:         2,
		Command:          command,
		QueueCapacity:    64,
		TerminationGrace: 2 * time.Second,
		FlushDelay:       time.Millisecond,
		DrainTimeout:     5 * time.Second,
	}
}

func startSession(t *testing.T, cfg relay.Config, opts ...relay.Option) *relay.Session {
	t.Helper()
	s, err := relay.NewSession(cfg, opts...)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func runSession(t *testing.T, s *relay.Session) relay.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

// captureCommand writes the consumer's stdin to path.
func captureCommand(path string) string {
	return fmt.Sprintf(`sh -c 'cat > "$0"' '%s'`, path)
}

type fakeLeaver struct {
	mu    sync.Mutex
	calls int
	err   error
	explode bool
}

func (f *fakeLeaver) Leave(context.Context) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.explode {
		panic("leave exploded")
	}
	return f.err
}

func (f *fakeLeaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingRecorder struct {
	mu        sync.Mutex
	accepted  int
	dropped   int
	bytes     int
	exits     []int
	kinds     []string
	shutdowns int
}

func (r *countingRecorder) FrameAccepted() {
	r.mu.Lock()
	r.accepted++
	r.mu.Unlock()
}

func (r *countingRecorder) FrameDropped() {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
}

func (r *countingRecorder) BytesWritten(n int) {
	r.mu.Lock()
	r.bytes += n
	r.mu.Unlock()
}

func (r *countingRecorder) ConsumerExited(code int) {
	r.mu.Lock()
	r.exits = append(r.exits, code)
	r.mu.Unlock()
}

func (r *countingRecorder) StopTriggered(kind string) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *countingRecorder) ShutdownCompleted(time.Duration) {
	r.mu.Lock()
	r.shutdowns++
	r.mu.Unlock()
}

// ─── lifecycle ───────────────────────────────────────────────────────────────

func TestSession_RelaysEveryAcceptedFrame(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out := filepath.Join(t.TempDir(), "capture.pcm")
	rec := &countingRecorder{}
	s := startSession(t, testConfig(captureCommand(out)), relay.WithRecorder(rec))

	var want []byte
	for i := range 50 {
		chunk := bytes.Repeat([]byte{byte(i)}, 640)
		if s.Offer(chunk) {
			want = append(want, chunk...)
		}
		time.Sleep(time.Millisecond)
	}
	s.Stop("test finished")
	res := runSession(t, s)

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("consumer received %d bytes, want %d bytes in acceptance order", len(got), len(want))
	}
	if res.Reason != "test finished" {
		t.Errorf("Reason = %q, want %q", res.Reason, "test finished")
	}
	if res.ExitCode != 0 || res.Killed {
		t.Errorf("consumer exit = %d (killed %v), want clean exit", res.ExitCode, res.Killed)
	}
	if res.BytesWritten != uint64(len(want)) {
		t.Errorf("BytesWritten = %d, want %d", res.BytesWritten, len(want))
	}
	if res.FramesAccepted+res.FramesDropped != 50 {
		t.Errorf("accepted %d + dropped %d != 50 offered", res.FramesAccepted, res.FramesDropped)
	}
	if res.StoppedAt.Before(res.StartedAt) {
		t.Errorf("StoppedAt %s before StartedAt %s", res.StoppedAt, res.StartedAt)
	}
	if s.Offer([]byte{1}) {
		t.Error("Offer after shutdown = true, want false")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.shutdowns != 1 {
		t.Errorf("ShutdownCompleted recorded %d times, want 1", rec.shutdowns)
	}
	if len(rec.exits) != 1 || rec.exits[0] != 0 {
		t.Errorf("ConsumerExited recorded %v, want [0]", rec.exits)
	}
	if len(rec.kinds) != 1 || rec.kinds[0] != "other" {
		t.Errorf("StopTriggered recorded %v, want [other]", rec.kinds)
	}
}

func TestSession_ConsumerExitStopsSession(t *testing.T) {
	t.Parallel()
	requireShell(t)

	s := startSession(t, testConfig("sh -c 'exit 7'"))
	res := runSession(t, s)

	if want := "consumer exited with code 7"; res.Reason != want {
		t.Errorf("Reason = %q, want %q", res.Reason, want)
	}
	if res.ExitCode != 7 {
		t.Errorf("ExitCode = %d, want 7", res.ExitCode)
	}
	if s.Active() {
		t.Error("Active() = true after Run")
	}
}

func TestSession_DurationElapsed(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cfg := testConfig("cat")
	cfg.Duration = 50 * time.Millisecond
	res := runSession(t, startSession(t, cfg))

	if res.Reason != relay.ReasonDurationElapsed {
		t.Errorf("Reason = %q, want %q", res.Reason, relay.ReasonDurationElapsed)
	}
}

func TestSession_ContextCancelled(t *testing.T) {
	t.Parallel()
	requireShell(t)

	s := startSession(t, testConfig("cat"))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	res, err := s.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != relay.ReasonContextCancelled {
		t.Errorf("Reason = %q, want %q", res.Reason, relay.ReasonContextCancelled)
	}
}

func TestSession_StatsWhileRunning(t *testing.T) {
	t.Parallel()
	requireShell(t)

	s := startSession(t, testConfig("cat"))
	st := s.Stats()
	if !st.Active {
		t.Error("Stats().Active = false after Start")
	}
	if st.ConsumerPID <= 0 {
		t.Errorf("Stats().ConsumerPID = %d, want positive", st.ConsumerPID)
	}
	if st.QueueCapacity != 64 {
		t.Errorf("Stats().QueueCapacity = %d, want 64", st.QueueCapacity)
	}
	if st.StopReason != "" {
		t.Errorf("Stats().StopReason = %q before stop", st.StopReason)
	}

	s.Stop("done")
	runSession(t, s)

	st = s.Stats()
	if st.Active || !st.ConsumerExited || st.PumpState != "STOPPED" {
		t.Errorf("Stats() after Run = %+v", st)
	}
}

// ─── shutdown ────────────────────────────────────────────────────────────────

func TestSession_LeavesCallOnShutdown(t *testing.T) {
	t.Parallel()
	requireShell(t)

	logger, logs := newTestLogger()
	initial := &fakeLeaver{}
	replacement := &fakeLeaver{err: relay.ErrNotInCall}
	s := startSession(t, testConfig("cat"), relay.WithLogger(logger), relay.WithCallLeaver(initial))
	s.SetCallLeaver(replacement)

	s.Stop(relay.ReasonCallEnded)
	runSession(t, s)

	if initial.count() != 0 {
		t.Errorf("replaced leaver called %d times, want 0", initial.count())
	}
	if replacement.count() != 1 {
		t.Errorf("leaver called %d times, want 1", replacement.count())
	}
	if n := logs.count("shutdown step failed"); n != 0 {
		t.Errorf("ErrNotInCall logged as %d step failures, want none", n)
	}
}

func TestSession_ShutdownSurvivesFailingSteps(t *testing.T) {
	t.Parallel()
	requireShell(t)

	tests := []struct {
		name   string
		leaver *fakeLeaver
		logged string
	}{
		{name: "error", leaver: &fakeLeaver{err: errors.New("gateway gone")}, logged: "shutdown step failed"},
		{name: "panic", leaver: &fakeLeaver{explode: true}, logged: "shutdown step panicked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			logger, logs := newTestLogger()
			s := startSession(t, testConfig("cat"), relay.WithLogger(logger), relay.WithCallLeaver(tt.leaver))

			s.Stop("test")
			res := runSession(t, s)

			if logs.count(tt.logged) != 1 {
				t.Errorf("expected one %q log line", tt.logged)
			}
			if res.ExitCode != 0 || res.Killed {
				t.Errorf("consumer exit = %d (killed %v); later steps did not run cleanly", res.ExitCode, res.Killed)
			}
		})
	}
}

func TestSession_KillsStubbornConsumer(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ready := newReadyWriter()
	cfg := testConfig(`sh -c 'trap "" TERM; echo ready; exec sleep 30'`)
	cfg.TerminationGrace = 200 * time.Millisecond
	cfg.Stdout = ready
	s := startSession(t, cfg)

	select {
	case <-ready.ready:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer never signalled readiness")
	}

	s.Stop("test")
	start := time.Now()
	res := runSession(t, s)

	if !res.Killed {
		t.Error("Killed = false for a consumer ignoring SIGTERM")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("shutdown took %s", elapsed)
	}
}

func TestSession_DrainTimeoutUnblocksPump(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ready := newReadyWriter()
	cfg := testConfig(`sh -c 'echo ready; exec sleep 30'`)
	cfg.QueueCapacity = 256
	cfg.DrainTimeout = 100 * time.Millisecond
	cfg.Stdout = ready
	s := startSession(t, cfg)

	select {
	case <-ready.ready:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer never signalled readiness")
	}

	// The consumer never reads, so the pipe fills and the pump blocks.
	chunk := make([]byte, 4096)
	for range 200 {
		s.Offer(chunk)
	}
	s.Stop("test")

	start := time.Now()
	res := runSession(t, s)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("shutdown took %s with a stuck consumer", elapsed)
	}
	if res.Reason != "test" {
		t.Errorf("Reason = %q, want %q", res.Reason, "test")
	}
	if res.BytesWritten >= uint64(200*len(chunk)) {
		t.Errorf("BytesWritten = %d; the consumer should not have taken everything", res.BytesWritten)
	}
}

// ─── misuse ──────────────────────────────────────────────────────────────────

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := relay.NewSession(relay.Config{Duration: -time.Second})
	if err == nil {
		t.Fatal("NewSession with empty config = nil error")
	}
	if !errors.Is(err, relay.ErrEmptyCommand) {
		t.Errorf("error %v does not include ErrEmptyCommand", err)
	}
}

func TestSession_SpawnFailure(t *testing.T) {
	t.Parallel()

	s, err := relay.NewSession(testConfig("/nonexistent/voicerelay-consumer -"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	err = s.Start()
	var spawnErr *relay.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start error = %v, want *SpawnError", err)
	}
	if s.Offer([]byte{1}) {
		t.Error("Offer on failed session = true")
	}
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("Run on failed session = nil error")
	}
}

func TestSession_Misuse(t *testing.T) {
	t.Parallel()
	requireShell(t)

	s, err := relay.NewSession(testConfig("cat"))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if s.Offer([]byte{1}) {
		t.Error("Offer before Start = true")
	}
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("Run before Start = nil error")
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err == nil {
		t.Error("second Start = nil error")
	}

	s.Stop("done")
	runSession(t, s)
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("second Run = nil error")
	}
}
