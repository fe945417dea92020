package relay_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/voicerelay/internal/relay"
)

func startConsumer(t *testing.T, opts relay.ConsumerOptions, argv ...string) *relay.Consumer {
	t.Helper()
	c, err := relay.StartConsumer(argv, opts)
	if err != nil {
		t.Fatalf("StartConsumer(%q): %v", argv, err)
	}
	t.Cleanup(func() { c.Terminate(100 * time.Millisecond) })
	return c
}

func waitExit(t *testing.T, c *relay.Consumer) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	code, err := c.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return code
}

func TestConsumer_ExitCode(t *testing.T) {
	t.Parallel()
	requireShell(t)

	c := startConsumer(t, relay.ConsumerOptions{}, "sh", "-c", "exit 3")
	if code := waitExit(t, c); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
	if !c.Exited() {
		t.Error("Exited() = false after Wait")
	}
	if c.ExitCode() != 3 {
		t.Errorf("ExitCode() = %d, want 3", c.ExitCode())
	}
}

func TestConsumer_WriteReachesStdin(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out := filepath.Join(t.TempDir(), "out.pcm")
	c := startConsumer(t, relay.ConsumerOptions{}, "sh", "-c", `cat > "$0"`, out)
	if c.PID() <= 0 {
		t.Fatalf("PID() = %d, want positive", c.PID())
	}

	want := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 1024)
	for i := 0; i < len(want); i += 640 {
		end := min(i+640, len(want))
		if err := c.Write(want[i:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := c.CloseInput(); err != nil {
		t.Fatalf("CloseInput: %v", err)
	}
	if err := c.CloseInput(); err != nil {
		t.Fatalf("second CloseInput: %v", err)
	}
	if code := waitExit(t, c); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	got, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("consumer received %d bytes, want %d identical bytes", len(got), len(want))
	}
}

func TestConsumer_WriteAfterCloseInput(t *testing.T) {
	t.Parallel()
	requireShell(t)

	c := startConsumer(t, relay.ConsumerOptions{}, "cat")
	if err := c.CloseInput(); err != nil {
		t.Fatalf("CloseInput: %v", err)
	}
	if !c.InputClosed() {
		t.Error("InputClosed() = false after CloseInput")
	}
	if err := c.Write([]byte("late")); !errors.Is(err, relay.ErrPipeClosed) {
		t.Errorf("Write after CloseInput = %v, want ErrPipeClosed", err)
	}
}

func TestConsumer_WriteAfterExit(t *testing.T) {
	t.Parallel()
	requireShell(t)

	c := startConsumer(t, relay.ConsumerOptions{}, "sh", "-c", "exit 0")
	waitExit(t, c)

	chunk := make([]byte, 64*1024)
	var err error
	for range 8 {
		if err = c.Write(chunk); err != nil {
			break
		}
	}
	if !errors.Is(err, relay.ErrPipeClosed) {
		t.Errorf("Write to exited consumer = %v, want ErrPipeClosed", err)
	}
}

func TestConsumer_TerminateCooperative(t *testing.T) {
	t.Parallel()
	requireShell(t)

	c := startConsumer(t, relay.ConsumerOptions{}, "sleep", "30")

	start := time.Now()
	status := c.Terminate(5 * time.Second)
	if status.Killed {
		t.Error("Killed = true for a process that honours SIGTERM")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Terminate took %s, want well under the grace period", elapsed)
	}
	if !c.Exited() {
		t.Error("Exited() = false after Terminate")
	}
}

func TestConsumer_TerminateEscalatesToKill(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ready := newReadyWriter()
	c := startConsumer(t, relay.ConsumerOptions{Stdout: ready},
		"sh", "-c", `trap "" TERM; echo ready; exec sleep 30`)

	select {
	case <-ready.ready:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer never signalled readiness")
	}

	grace := 200 * time.Millisecond
	start := time.Now()
	status := c.Terminate(grace)
	elapsed := time.Since(start)

	if !status.Killed {
		t.Error("Killed = false for a process ignoring SIGTERM")
	}
	if elapsed < grace {
		t.Errorf("Terminate returned after %s, before the %s grace period", elapsed, grace)
	}
	if elapsed > grace+5*time.Second {
		t.Errorf("Terminate took %s, want close to the %s grace period", elapsed, grace)
	}
}

func TestConsumer_TerminateBoundedByWaitDelay(t *testing.T) {
	t.Parallel()
	requireShell(t)

	// The background sleep inherits the output pipe and outlives the
	// consumer, so reaping has to give up on the copy goroutine.
	ready := newReadyWriter()
	c := startConsumer(t, relay.ConsumerOptions{Stdout: ready, WaitDelay: 200 * time.Millisecond},
		"sh", "-c", `echo ready; sleep 10 & exec sleep 30`)

	select {
	case <-ready.ready:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer never signalled readiness")
	}

	start := time.Now()
	c.Terminate(100 * time.Millisecond)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Terminate took %s while a descendant held the output pipe", elapsed)
	}
	if !c.Exited() {
		t.Error("Exited() = false after Terminate")
	}
}

func TestConsumer_TerminateAfterExit(t *testing.T) {
	t.Parallel()
	requireShell(t)

	c := startConsumer(t, relay.ConsumerOptions{}, "sh", "-c", "exit 5")
	waitExit(t, c)

	status := c.Terminate(time.Second)
	if status.Killed || status.Code != 5 {
		t.Errorf("Terminate after exit = %+v, want code 5 not killed", status)
	}
}

func TestStartConsumer_SpawnError(t *testing.T) {
	t.Parallel()

	_, err := relay.StartConsumer([]string{"/nonexistent/voicerelay-consumer", "-"}, relay.ConsumerOptions{})
	var spawnErr *relay.SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("StartConsumer error = %v, want *SpawnError", err)
	}
	if spawnErr.Argv[0] != "/nonexistent/voicerelay-consumer" {
		t.Errorf("SpawnError.Argv = %q", spawnErr.Argv)
	}
}

func TestStartConsumer_EmptyArgv(t *testing.T) {
	t.Parallel()

	_, err := relay.StartConsumer(nil, relay.ConsumerOptions{})
	if !errors.Is(err, relay.ErrEmptyCommand) {
		t.Errorf("StartConsumer(nil) error = %v, want ErrEmptyCommand", err)
	}
}
