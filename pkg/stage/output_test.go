package stage

import (
	"errors"
	"testing"
)

func TestOK_CopiesData(t *testing.T) {
	data := map[string]any{"text": "hello"}
	out := OK(data)

	// Mutating the caller's map must not leak into the output.
	data["text"] = "mutated"

	v, ok := out.Get("text")
	if !ok {
		t.Fatal("key text missing from output")
	}
	if v != "hello" {
		t.Errorf("text = %v, want hello", v)
	}
}

func TestOutput_DataReturnsCopy(t *testing.T) {
	out := OK(map[string]any{"n": 1})

	d := out.Data()
	d["n"] = 99

	if v, _ := out.Get("n"); v != 1 {
		t.Errorf("n = %v after mutating Data() copy, want 1", v)
	}
}

func TestSkip(t *testing.T) {
	out := Skip("gate closed")
	if out.Status() != StatusSkip {
		t.Fatalf("status = %v, want skip", out.Status())
	}
	if v, _ := out.Get("reason"); v != "gate closed" {
		t.Errorf("reason = %v, want %q", v, "gate closed")
	}
}

func TestCancel_CarriesReasonAndData(t *testing.T) {
	out := Cancel("empty_transcript", map[string]any{"transcript": ""})
	if out.Status() != StatusCancel {
		t.Fatalf("status = %v, want cancel", out.Status())
	}
	if v, _ := out.Get("reason"); v != "empty_transcript" {
		t.Errorf("reason = %v, want empty_transcript", v)
	}
	if v, _ := out.Get("transcript"); v != "" {
		t.Errorf("transcript = %v, want empty string", v)
	}
}

func TestFail(t *testing.T) {
	out := Fail(errors.New("boom"))
	if out.Status() != StatusFail {
		t.Fatalf("status = %v, want fail", out.Status())
	}
	if out.Err() != "boom" {
		t.Errorf("err = %q, want boom", out.Err())
	}
}

func TestFail_NilError(t *testing.T) {
	out := Fail(nil)
	if out.Err() == "" {
		t.Error("Fail(nil) produced an empty error message")
	}
}

func TestRetry(t *testing.T) {
	out := Retry(errors.New("transient"))
	if out.Status() != StatusRetry {
		t.Fatalf("status = %v, want retry", out.Status())
	}
	if out.Err() != "transient" {
		t.Errorf("err = %q, want transient", out.Err())
	}
}

func TestOutput_ArtifactsAndEventsReturnCopies(t *testing.T) {
	sc := NewContext(nil, Inputs{}, nil)
	sc.EmitEvent("llm.started", map[string]any{"model": "m1"})
	sc.AddArtifact("assistant_message", map[string]any{"content": "hi"})

	out := sc.Seal(OK(nil))

	events := out.Events()
	if len(events) != 1 || events[0].Type != "llm.started" {
		t.Fatalf("events = %+v, want one llm.started", events)
	}
	events[0].Type = "mutated"
	if out.Events()[0].Type != "llm.started" {
		t.Error("mutating Events() copy leaked into output")
	}

	arts := out.Artifacts()
	if len(arts) != 1 || arts[0].Type != "assistant_message" {
		t.Fatalf("artifacts = %+v, want one assistant_message", arts)
	}
}
