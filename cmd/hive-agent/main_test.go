package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if out := buf.String(); !strings.Contains(out, "hive-agent dev") {
		t.Errorf("expected output to contain 'hive-agent dev', got: %s", out)
	}
}

func TestRootHasRoleCommands(t *testing.T) {
	cmd := newRootCmd()
	want := map[string]bool{"worker": false, "collaborator": false, "coordinator": false, "monitor": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestCoordinatorRequiresPlan(t *testing.T) {
	cmd := newRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"coordinator"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error without --plan")
	}
}

func TestPreferenceDeciderBallots(t *testing.T) {
	d := preferenceDecider{prefer: []string{"Delay", "Unknown"}, confidence: 0.7}
	options := []string{"Launch", "Delay", "Cancel"}

	cases := []struct {
		algorithm string
		want      string
	}{
		{"simple_majority", `{"choice":"Delay","confidence":0.7}`},
		{"consensus_threshold", `{"choice":"Delay","confidence":0.7}`},
		{"confidence_weighted", `{"choice":"Delay","confidence":0.7}`},
		{"ranked_choice", `{"rankings":["Delay","Launch","Cancel"]}`},
		{"quadratic", `{"allocation":{"Delay":100}}`},
	}
	for _, tc := range cases {
		t.Run(tc.algorithm, func(t *testing.T) {
			got, err := d.Decide(context.Background(), message.VoteRequest{SessionID: "s", Options: options, Algorithm: tc.algorithm})
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			var a, b interface{}
			json.Unmarshal(got, &a)
			json.Unmarshal([]byte(tc.want), &b)
			ga, _ := json.Marshal(a)
			gb, _ := json.Marshal(b)
			if !bytes.Equal(ga, gb) {
				t.Errorf("expected %s, got %s", tc.want, got)
			}
		})
	}

	got, _ := d.Decide(context.Background(), message.VoteRequest{Options: options, Algorithm: "quadratic", Budget: 9})
	if !strings.Contains(string(got), `"Delay":9`) {
		t.Errorf("expected the session budget, got %s", got)
	}

	if _, err := d.Decide(context.Background(), message.VoteRequest{Options: options, Algorithm: "borda"}); err == nil {
		t.Error("expected unsupported algorithm error")
	}
	if got, err := d.Decide(context.Background(), message.VoteRequest{Algorithm: "simple_majority"}); err != nil || got != nil {
		t.Errorf("expected abstention with no options, got %s, %v", got, err)
	}
}

func TestEchoExecutor(t *testing.T) {
	exec := echoExecutor("w1")
	ctx := context.Background()

	res, err := exec.Execute(ctx, message.TaskAssign{TaskID: "t1", Title: "index", Attempt: 2, Payload: json.RawMessage(`{"shard":3}`)})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var out struct {
		Worker  string          `json:"worker"`
		Attempt int             `json:"attempt"`
		Echo    json.RawMessage `json:"echo"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if out.Worker != "w1" || out.Attempt != 2 || string(out.Echo) != `{"shard":3}` {
		t.Errorf("unexpected result %s", res)
	}

	_, err = exec.Execute(ctx, message.TaskAssign{TaskID: "t2", Payload: json.RawMessage(`{"fail":"disk full","permanent":true}`)})
	var te *fault.TaskExecutionError
	if !errors.As(err, &te) || te.Retryable || te.Reason != "disk full" {
		t.Errorf("expected permanent execution error, got %v", err)
	}

	_, err = exec.Execute(ctx, message.TaskAssign{TaskID: "t3", Payload: json.RawMessage(`{"fail":"flaky"}`)})
	if !errors.As(err, &te) || !te.Retryable {
		t.Errorf("expected retryable execution error, got %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = exec.Execute(cctx, message.TaskAssign{TaskID: "t4", Payload: json.RawMessage(`{"sleep_ms":5000}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("executor ignored cancellation")
	}
}

func TestParsePlan(t *testing.T) {
	steps, err := parsePlan([]byte(`[
		{"id": "fetch", "title": "fetch", "priority": 5, "timeout_ms": 1500},
		{"id": "build", "title": "build", "priority": 5, "depends_on": ["fetch"]}
	]`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Timeout != 1500*time.Millisecond {
		t.Errorf("expected 1.5s timeout, got %v", steps[0].Timeout)
	}
	if len(steps[1].DependsOn) != 1 || steps[1].DependsOn[0] != "fetch" {
		t.Errorf("unexpected dependencies %v", steps[1].DependsOn)
	}

	if _, err := parsePlan([]byte(`{"id": "x"}`)); err == nil {
		t.Error("expected an error for a non-array plan")
	}
}
