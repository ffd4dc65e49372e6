package evaluation

import (
	"errors"
	"testing"
	"time"

	"github.com/devport-labs/devport/pkg/operation"
)

func TestEvaluator_RequestStats(t *testing.T) {
	e := NewEvaluator()

	e.ObserveRequest("github_analyst", 100*time.Millisecond, nil)
	e.ObserveRequest("github_analyst", 300*time.Millisecond, nil)
	e.ObserveRequest("github_analyst", 200*time.Millisecond, errors.New("rate limited"))

	report := e.Report()
	if len(report.Agents) != 1 {
		t.Fatalf("Expected 1 agent, got %d", len(report.Agents))
	}

	stats := report.Agents[0]
	if stats.Agent != "github_analyst" {
		t.Errorf("Expected github_analyst, got %s", stats.Agent)
	}
	if stats.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", stats.Attempts)
	}
	if stats.Successes != 2 {
		t.Errorf("Expected 2 successes, got %d", stats.Successes)
	}
	if want := 2.0 / 3.0; stats.SuccessRate < want-0.001 || stats.SuccessRate > want+0.001 {
		t.Errorf("Expected success rate %.3f, got %.3f", want, stats.SuccessRate)
	}
	if stats.AvgLatency != 200*time.Millisecond {
		t.Errorf("Expected avg latency 200ms, got %v", stats.AvgLatency)
	}
}

func TestEvaluator_QualityTracking(t *testing.T) {
	e := NewEvaluator()

	e.RecordQuality("content_generator", 80)
	e.RecordQuality("content_generator", 90)

	report := e.Report()
	if len(report.Agents) != 1 {
		t.Fatalf("Expected 1 agent, got %d", len(report.Agents))
	}
	if report.Agents[0].AvgQuality != 85 {
		t.Errorf("Expected avg quality 85, got %.1f", report.Agents[0].AvgQuality)
	}
}

func TestEvaluator_OperationOutcomes(t *testing.T) {
	e := NewEvaluator()

	op := &operation.Operation{ID: "op-1", Name: "portfolio_update"}
	e.ObserveTransition(op, operation.StatusCreated, operation.StatusRunning)
	e.ObserveTransition(op, operation.StatusRunning, operation.StatusRunning)
	e.ObserveTransition(op, operation.StatusRunning, operation.StatusCompleted)

	other := &operation.Operation{ID: "op-2", Name: "portfolio_update"}
	e.ObserveTransition(other, operation.StatusCreated, operation.StatusRunning)
	e.ObserveTransition(other, operation.StatusRunning, operation.StatusFailed)

	report := e.Report()
	if report.Operations.Started != 2 {
		t.Errorf("Expected 2 started, got %d", report.Operations.Started)
	}
	if report.Operations.Completed != 1 {
		t.Errorf("Expected 1 completed, got %d", report.Operations.Completed)
	}
	if report.Operations.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", report.Operations.Failed)
	}
	if report.Operations.Cancelled != 0 {
		t.Errorf("Expected 0 cancelled, got %d", report.Operations.Cancelled)
	}
}

func TestEvaluator_EventCount(t *testing.T) {
	e := NewEvaluator()

	e.ObserveEvent("operations", 2)
	e.ObserveEvent("operations", 1)

	if report := e.Report(); report.Events != 2 {
		t.Errorf("Expected 2 events, got %d", report.Events)
	}
}

func TestEvaluator_AgentReport(t *testing.T) {
	e := NewEvaluator()

	e.ObserveRequest("writer", 10*time.Millisecond, nil)
	e.ObserveRequest("writer", 30*time.Millisecond, nil)

	stats, err := e.AgentReport("writer")
	if err != nil {
		t.Fatalf("AgentReport failed: %v", err)
	}
	if stats.Attempts != 2 || stats.AvgLatency != 20*time.Millisecond {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	if _, err := e.AgentReport("ghost"); !errors.Is(err, ErrAgentUnknown) {
		t.Errorf("Expected ErrAgentUnknown, got %v", err)
	}
}

func TestEvaluator_AgentsSortedByName(t *testing.T) {
	e := NewEvaluator()

	e.ObserveRequest("writer", time.Millisecond, nil)
	e.ObserveRequest("analyst", time.Millisecond, nil)

	report := e.Report()
	if len(report.Agents) != 2 {
		t.Fatalf("Expected 2 agents, got %d", len(report.Agents))
	}
	if report.Agents[0].Agent != "analyst" || report.Agents[1].Agent != "writer" {
		t.Errorf("Expected agents sorted by name, got %s, %s", report.Agents[0].Agent, report.Agents[1].Agent)
	}
}

func TestEvaluator_MetricsRegistered(t *testing.T) {
	e := NewEvaluator()
	e.ObserveRequest("analyst", time.Millisecond, nil)

	families, err := e.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, family := range families {
		if family.GetName() == "devport_agent_requests_total" {
			found = true
		}
	}
	if !found {
		t.Error("Expected devport_agent_requests_total to be gathered")
	}
}
