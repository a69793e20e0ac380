package buffer

import (
	"bytes"
	"io"
	"testing"
)

func TestOutputBuffer_AddAndGet(t *testing.T) {
	ob := New(false)

	if err := ob.AddStdout([]byte("hello ")); err != nil {
		t.Fatalf("AddStdout failed: %v", err)
	}
	if err := ob.AddStdout([]byte("world")); err != nil {
		t.Fatalf("AddStdout failed: %v", err)
	}

	got, err := ob.Get(Out, false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got.([]byte), []byte("hello world")) {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestOutputBuffer_ChannelsIndependent(t *testing.T) {
	ob := New(false)
	ob.AddStdout([]byte("out"))
	ob.AddStderr([]byte("err"))

	out, _ := ob.Get(Out, false)
	errb, _ := ob.Get(Err, false)

	if !bytes.Equal(out.([]byte), []byte("out")) {
		t.Errorf("stdout contaminated: %q", out)
	}
	if !bytes.Equal(errb.([]byte), []byte("err")) {
		t.Errorf("stderr contaminated: %q", errb)
	}
}

// TestOutputBuffer_IdempotentGet verifies invariant I-7: repeated reads
// without mutation return equal bytes.
func TestOutputBuffer_IdempotentGet(t *testing.T) {
	ob := New(false)
	ob.AddStdout([]byte("stable"))

	first, _ := ob.Get(Out, false)
	second, _ := ob.Get(Out, false)

	if !bytes.Equal(first.([]byte), second.([]byte)) {
		t.Errorf("expected idempotent Get, got %q then %q", first, second)
	}
}

func TestOutputBuffer_ClearThenGetEmpty(t *testing.T) {
	ob := New(false)
	ob.AddStdout([]byte("to be cleared"))

	if err := ob.Clear(Out); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, err := ob.Get(Out, false)
	if err != nil {
		t.Fatalf("Get after clear failed: %v", err)
	}
	if len(got.([]byte)) != 0 {
		t.Errorf("expected empty buffer after clear, got %q", got)
	}
}

func TestOutputBuffer_Disabled_RejectsAllOps(t *testing.T) {
	ob := New(true)

	if err := ob.AddStdout([]byte("x")); err != ErrOutputDisabled {
		t.Errorf("expected ErrOutputDisabled, got %v", err)
	}
	if _, err := ob.Get(Out, false); err != ErrOutputDisabled {
		t.Errorf("expected ErrOutputDisabled, got %v", err)
	}
	if err := ob.Clear(Out); err != ErrOutputDisabled {
		t.Errorf("expected ErrOutputDisabled, got %v", err)
	}
}

func TestOutputBuffer_ReadFrom_Offset(t *testing.T) {
	ob := New(false)
	ob.AddStdout([]byte("0123456789"))

	buf := make([]byte, 4)
	n, err := ob.ReadFrom(Out, 3, buf)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	if n != 4 || string(buf) != "3456" {
		t.Errorf("expected %q, got %q (n=%d)", "3456", buf[:n], n)
	}
}

func TestOutputBuffer_AsStream(t *testing.T) {
	ob := New(false)
	ob.AddStdout([]byte("streamed"))

	r, err := ob.Get(Out, true)
	if err != nil {
		t.Fatalf("Get(asStream) failed: %v", err)
	}
	rs := r.(io.ReadSeeker)

	got, err := io.ReadAll(rs)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(got) != "streamed" {
		t.Errorf("expected %q, got %q", "streamed", got)
	}
}

func TestOutputBuffer_SpillsBeyondThreshold(t *testing.T) {
	ob := New(false)

	chunk := bytes.Repeat([]byte("a"), 4096)
	total := 0
	for total < SpillThreshold+4096 {
		if err := ob.AddStdout(chunk); err != nil {
			t.Fatalf("AddStdout failed: %v", err)
		}
		total += len(chunk)
	}

	n, err := ob.Len(Out)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != int64(total) {
		t.Errorf("expected %d bytes stored, got %d", total, n)
	}

	got, err := ob.Get(Out, false)
	if err != nil {
		t.Fatalf("Get after spill failed: %v", err)
	}
	if len(got.([]byte)) != total {
		t.Errorf("expected %d bytes back, got %d", total, len(got.([]byte)))
	}
}

func TestOutputBuffer_Writer(t *testing.T) {
	ob := New(false)
	w := ob.Writer(Err)

	n, err := io.Copy(w.(io.Writer), bytes.NewReader([]byte("piped through")))
	if err != nil {
		t.Fatalf("io.Copy failed: %v", err)
	}
	if n != int64(len("piped through")) {
		t.Errorf("expected %d bytes copied, got %d", len("piped through"), n)
	}

	got, err := ob.Get(Err, false)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got.([]byte)) != "piped through" {
		t.Errorf("expected %q, got %q", "piped through", got)
	}
}

func TestOutputBuffer_SubscribeNotifiedOnWrite(t *testing.T) {
	ob := New(false)
	id, ch := ob.Subscribe()
	defer ob.Unsubscribe(id)

	ob.AddStdout([]byte("ping"))

	select {
	case got := <-ch:
		if got != Out {
			t.Errorf("expected notification for %q, got %q", Out, got)
		}
	default:
		t.Error("expected a notification on write, got none")
	}
}
