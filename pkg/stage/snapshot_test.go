package stage

import (
	"reflect"
	"testing"
	"time"
)

func testSnapshot() *Snapshot {
	return NewSnapshot(Snapshot{
		PipelineRunID: "f2f6f7f0-0000-0000-0000-000000000001",
		RequestID:     "req-1",
		SessionID:     "sess-1",
		UserID:        "user-1",
		OrgID:         "org-1",
		Topology:      TopologyChatFast,
		Channel:       ChannelText,
		Behavior:      BehaviorFreeConversation,
		Messages: []Message{
			{Role: "system", Content: "be helpful", Timestamp: time.Unix(100, 0).UTC()},
			{Role: "user", Content: "hi", Timestamp: time.Unix(101, 0).UTC()},
		},
		InputText: "hi",
		CreatedAt: time.Unix(102, 0).UTC(),
	})
}

func TestSnapshot_JSONRoundTrip(t *testing.T) {
	s := testSnapshot()
	s.Enrichments = &Enrichments{Memory: []string{"past fact"}, Skills: []string{"sk-1"}}

	b, err := s.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	got, err := SnapshotFromJSON(b)
	if err != nil {
		t.Fatalf("SnapshotFromJSON: %v", err)
	}

	if !reflect.DeepEqual(got, s) {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, s)
	}
}

func TestNewSnapshot_CopiesMessages(t *testing.T) {
	msgs := []Message{{Role: "user", Content: "original"}}
	s := NewSnapshot(Snapshot{Messages: msgs})

	msgs[0].Content = "mutated"

	if s.Messages[0].Content != "original" {
		t.Errorf("Messages[0].Content = %q, want original", s.Messages[0].Content)
	}
}

func TestSnapshot_CloneIsIndependent(t *testing.T) {
	s := testSnapshot()
	c := s.Clone()

	c.InputText = "changed"
	c.Messages[0].Content = "changed"
	c.Enrichments = &Enrichments{Memory: []string{"x"}}

	if s.InputText != "hi" {
		t.Errorf("InputText = %q after clone mutation, want hi", s.InputText)
	}
	if s.Messages[0].Content != "be helpful" {
		t.Errorf("Messages[0] = %q after clone mutation, want unchanged", s.Messages[0].Content)
	}
	if s.Enrichments != nil {
		t.Error("Enrichments set on original after clone mutation")
	}
}

func TestSnapshot_Metadata(t *testing.T) {
	s := testSnapshot()
	md := s.Metadata()

	if md["topology"] != "chat_fast" {
		t.Errorf("topology = %v, want chat_fast", md["topology"])
	}
	if md["message_count"] != 2 {
		t.Errorf("message_count = %v, want 2", md["message_count"])
	}
}

func TestEnums_IsValid(t *testing.T) {
	valid := []bool{
		TopologyChatFast.IsValid(),
		TopologyChatAccurate.IsValid(),
		TopologyVoiceFast.IsValid(),
		TopologyVoiceAccurate.IsValid(),
		BehaviorOnboarding.IsValid(),
		BehaviorPractice.IsValid(),
		BehaviorRoleplay.IsValid(),
		BehaviorDocEdit.IsValid(),
		BehaviorFreeConversation.IsValid(),
		ChannelText.IsValid(),
		ChannelVoice.IsValid(),
	}
	for i, v := range valid {
		if !v {
			t.Errorf("enum %d reported invalid, want valid", i)
		}
	}

	if Topology("chat_medium").IsValid() {
		t.Error("chat_medium reported valid")
	}
	if Behavior("debate").IsValid() {
		t.Error("debate reported valid")
	}
	if Channel("carrier_pigeon").IsValid() {
		t.Error("carrier_pigeon reported valid")
	}
}

func TestTopology_ServiceAndQuality(t *testing.T) {
	cases := []struct {
		top     Topology
		service string
		quality string
	}{
		{TopologyChatFast, "chat", "fast"},
		{TopologyChatAccurate, "chat", "accurate"},
		{TopologyVoiceFast, "voice", "fast"},
		{TopologyVoiceAccurate, "voice", "accurate"},
	}
	for _, tc := range cases {
		if got := tc.top.Service(); got != tc.service {
			t.Errorf("%s.Service() = %q, want %q", tc.top, got, tc.service)
		}
		if got := tc.top.QualityMode(); got != tc.quality {
			t.Errorf("%s.QualityMode() = %q, want %q", tc.top, got, tc.quality)
		}
	}
}
