package broker_test

import (
	"testing"

	"github.com/clinicflow/dispatch/internal/broker"
)

func TestNodeIDFromTopic(t *testing.T) {
	cases := []struct {
		topic string
		want  *int
	}{
		{"disp/ack/1", intp(1)},
		{"disp/evt/2", intp(2)},
		{"disp/vision/cam1", nil},
		{"disp/vision", nil},
	}
	for _, tc := range cases {
		got := broker.NodeIDFromTopic(tc.topic)
		if (tc.want == nil) != (got == nil) {
			t.Errorf("NodeIDFromTopic(%q) = %v, want %v", tc.topic, got, tc.want)
			continue
		}
		if tc.want != nil && *got != *tc.want {
			t.Errorf("NodeIDFromTopic(%q) = %d, want %d", tc.topic, *got, *tc.want)
		}
	}
}

func intp(n int) *int { return &n }

func TestClassify_OrderedRules(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want broker.Kind
	}{
		{"ack", `{"queue_id":1,"accepted":1}`, broker.KindAck},
		{"ack takes priority over done", `{"accepted":0,"done":1}`, broker.KindAck},
		{"completion", `{"queue_id":1,"done":1,"status":"success"}`, broker.KindCompletion},
		{"node state ready", `{"ready":1,"online":1}`, broker.KindNodeState},
		{"node state online only", `{"online":0}`, broker.KindNodeState},
		{"standalone vision", `{"count_detected":4}`, broker.KindVision},
		{"unknown", `{"foo":"bar"}`, broker.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := broker.Classify("disp/evt/1", []byte(tc.raw))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if msg.Kind != tc.want {
				t.Errorf("Kind = %q, want %q", msg.Kind, tc.want)
			}
		})
	}
}

func TestClassify_MalformedPayload(t *testing.T) {
	_, err := broker.Classify("disp/evt/1", []byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}

func TestClassify_DoneZeroIsNotCompletion(t *testing.T) {
	msg, err := broker.Classify("disp/evt/1", []byte(`{"done":0,"ready":1}`))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if msg.Kind != broker.KindNodeState {
		t.Errorf("Kind = %q, want node_state when done=0", msg.Kind)
	}
}
