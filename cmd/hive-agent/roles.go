package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-hive/internal/agent"
	"github.com/nidhogg/nuka-hive/internal/fault"
	"github.com/nidhogg/nuka-hive/internal/message"
)

func newWorkerCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Pull tasks from the priority queue and execute them",
		Long: "Runs a worker that takes one task at a time. The built-in executor echoes the payload; " +
			`a payload of {"sleep_ms": n} delays completion and {"fail": "reason"} reports a failure.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			s, err := connect(ctx, g, message.RoleWorker)
			if err != nil {
				return err
			}
			defer s.Close()
			if _, err := agent.NewWorker(s.rt, echoExecutor(s.rt.ID()), s.cfg.Tasks.Queue, s.inbox); err != nil {
				return err
			}
			return s.rt.Run(ctx)
		},
	}
	return cmd
}

// echoPayload is what the built-in executor understands.
type echoPayload struct {
	SleepMS   int64  `json:"sleep_ms"`
	Fail      string `json:"fail"`
	Permanent bool   `json:"permanent"`
}

// echoExecutor returns the assignment back as the result.
func echoExecutor(agentID string) agent.ExecutorFunc {
	return func(ctx context.Context, t message.TaskAssign) (json.RawMessage, error) {
		var p echoPayload
		if len(t.Payload) > 0 && t.Payload[0] == '{' {
			if err := json.Unmarshal(t.Payload, &p); err != nil {
				return nil, &fault.TaskExecutionError{TaskID: t.TaskID, AgentID: agentID, Reason: "bad payload: " + err.Error()}
			}
		}
		if p.SleepMS > 0 {
			select {
			case <-time.After(time.Duration(p.SleepMS) * time.Millisecond):
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
		if p.Fail != "" {
			return nil, &fault.TaskExecutionError{TaskID: t.TaskID, AgentID: agentID, Reason: p.Fail, Retryable: !p.Permanent}
		}
		return json.Marshal(map[string]interface{}{
			"worker":  agentID,
			"title":   t.Title,
			"attempt": t.Attempt,
			"echo":    t.Payload,
		})
	}
}

func newCollaboratorCmd(g *globalFlags) *cobra.Command {
	var (
		prefer     []string
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "collaborator",
		Short: "Answer vote requests from the broadcast channel",
		Long:  "Runs a collaborator that casts one ballot per vote request, ordering options by --prefer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			s, err := connect(ctx, g, message.RoleCollaborator)
			if err != nil {
				return err
			}
			defer s.Close()
			decider := preferenceDecider{prefer: prefer, confidence: confidence}
			if _, err := agent.NewCollaborator(s.rt, decider, ideaLogger{s.logger}, s.inbox); err != nil {
				return err
			}
			return s.rt.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&prefer, "prefer", nil, "options in order of preference")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.8, "confidence attached to every ballot")
	return cmd
}

// preferenceDecider ranks the offered options by a fixed preference list.
// Options it has no opinion on keep their offered order after the preferred
// ones.
type preferenceDecider struct {
	prefer     []string
	confidence float64
}

func (d preferenceDecider) rank(options []string) []string {
	out := make([]string, 0, len(options))
	for _, p := range d.prefer {
		if slices.Contains(options, p) && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, o := range options {
		if !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}

func (d preferenceDecider) Decide(_ context.Context, req message.VoteRequest) (json.RawMessage, error) {
	if len(req.Options) == 0 {
		return nil, nil
	}
	ranked := d.rank(req.Options)
	top := ranked[0]
	switch req.Algorithm {
	case "ranked_choice":
		return json.Marshal(map[string]interface{}{"rankings": ranked})
	case "quadratic":
		budget := req.Budget
		if budget <= 0 {
			budget = 100
		}
		return json.Marshal(map[string]interface{}{"allocation": map[string]float64{top: budget}})
	case "confidence_weighted":
		return json.Marshal(map[string]interface{}{"choice": top, "confidence": d.confidence})
	case "simple_majority", "consensus_threshold", "":
		return json.Marshal(map[string]interface{}{"choice": top, "confidence": d.confidence})
	}
	return nil, fmt.Errorf("unsupported algorithm %q", req.Algorithm)
}

type ideaLogger struct{ logger *zap.Logger }

func (l ideaLogger) Idea(_ context.Context, from string, idea message.BrainstormIdea) {
	l.logger.Info("idea received", zap.String("from", from), zap.String("topic", idea.Topic), zap.String("idea", idea.Idea))
}

func newCoordinatorCmd(g *globalFlags) *cobra.Command {
	var planPath string
	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Submit a dependent task plan and sequence it",
		Long:  "Reads a JSON array of steps ({id, title, payload, priority, depends_on}) and submits each step once its dependencies complete.",
		RunE: func(cmd *cobra.Command, args []string) error {
			steps, err := loadPlan(planPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			s, err := connect(ctx, g, message.RoleCoordinator)
			if err != nil {
				return err
			}
			defer s.Close()
			seq, err := agent.NewSequencer(s.rt, s.inbox)
			if err != nil {
				return err
			}

			errc := make(chan error, 1)
			go func() { errc <- s.rt.Run(ctx) }()
			select {
			case <-s.rt.Ready():
			case err := <-errc:
				return err
			}
			if err := seq.Plan(ctx, steps); err != nil {
				stop()
				<-errc
				return fmt.Errorf("plan: %w", err)
			}
			s.logger.Info("plan submitted", zap.Int("steps", len(steps)))
			return <-errc
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "", "path to a JSON plan file")
	cmd.MarkFlagRequired("plan")
	return cmd
}

type planStep struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   int             `json:"priority"`
	MaxRetries *int            `json:"max_retries,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
}

func loadPlan(path string) ([]agent.Step, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan %s: %w", path, err)
	}
	return parsePlan(data)
}

func parsePlan(data []byte) ([]agent.Step, error) {
	var raw []planStep
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	steps := make([]agent.Step, len(raw))
	for i, r := range raw {
		steps[i] = agent.Step{
			ID:         r.ID,
			Title:      r.Title,
			Payload:    r.Payload,
			Priority:   r.Priority,
			MaxRetries: r.MaxRetries,
			Timeout:    time.Duration(r.TimeoutMS) * time.Millisecond,
			DependsOn:  r.DependsOn,
		}
	}
	return steps, nil
}

func newMonitorCmd(g *globalFlags) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Aggregate status events and print periodic snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			s, err := connect(ctx, g, message.RoleMonitor)
			if err != nil {
				return err
			}
			defer s.Close()
			mon, err := agent.NewMonitor(s.rt, nil)
			if err != nil {
				return err
			}

			go func() {
				ticker := time.NewTicker(every)
				defer ticker.Stop()
				enc := json.NewEncoder(cmd.OutOrStdout())
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						enc.Encode(mon.Snapshot())
					}
				}
			}()
			return s.rt.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&every, "every", 10*time.Second, "snapshot interval")
	return cmd
}
