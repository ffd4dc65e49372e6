// Copyright 2026 Devport Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package evaluation observes bus traffic and operation transitions and
// aggregates them into per-agent performance reports.
package evaluation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/devport-labs/devport/pkg/operation"
)

// ErrAgentUnknown is returned when no observations exist for an agent.
var ErrAgentUnknown = errors.New("no observations recorded for agent")

// Scorer rates generated content from 0 to 100.
type Scorer interface {
	Score(content string) float64
}

// AgentStats aggregates one agent's observed request outcomes.
type AgentStats struct {
	Agent        string        `json:"agent"`
	Attempts     int           `json:"attempts"`
	Successes    int           `json:"successes"`
	SuccessRate  float64       `json:"success_rate"`
	AvgLatency   time.Duration `json:"avg_latency"`
	AvgQuality   float64       `json:"avg_quality,omitempty"`
	totalLatency time.Duration
	totalQuality float64
	qualityCount int
}

// OperationStats aggregates observed operation outcomes.
type OperationStats struct {
	Started   int `json:"started"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Report is a point-in-time summary of everything observed.
type Report struct {
	Agents     []AgentStats   `json:"agents"`
	Operations OperationStats `json:"operations"`
	Events     int            `json:"events"`
}

// Evaluator collects request, event and operation outcomes. It plugs into
// the bus as an Observer and into the operation manager as a Notifier.
type Evaluator struct {
	agents   map[string]*AgentStats
	ops      OperationStats
	events   int
	registry *prometheus.Registry

	requests  *prometheus.CounterVec
	failures  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	eventsCtr *prometheus.CounterVec
	opsCtr    *prometheus.CounterVec
	quality   *prometheus.HistogramVec

	mu sync.Mutex
}

// NewEvaluator creates an evaluator with its own metrics registry.
func NewEvaluator() *Evaluator {
	e := &Evaluator{
		agents:   make(map[string]*AgentStats),
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devport_agent_requests_total",
			Help: "Requests delivered per agent.",
		}, []string{"agent"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devport_agent_failures_total",
			Help: "Failed requests per agent.",
		}, []string{"agent"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devport_agent_request_seconds",
			Help:    "Request latency per agent.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		eventsCtr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devport_events_total",
			Help: "Events published per topic.",
		}, []string{"topic"}),
		opsCtr: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devport_operations_total",
			Help: "Operation transitions by terminal status.",
		}, []string{"status"}),
		quality: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devport_content_quality_score",
			Help:    "Quality score of generated content.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}, []string{"agent"}),
	}

	e.registry.MustRegister(e.requests, e.failures, e.latency, e.eventsCtr, e.opsCtr, e.quality)
	return e
}

// Registry exposes the metrics registry for exposition.
func (e *Evaluator) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveRequest records one request outcome for an agent.
func (e *Evaluator) ObserveRequest(recipient string, duration time.Duration, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := e.agent(recipient)
	stats.Attempts++
	stats.totalLatency += duration
	if err == nil {
		stats.Successes++
	} else {
		e.failures.WithLabelValues(recipient).Inc()
	}

	e.requests.WithLabelValues(recipient).Inc()
	e.latency.WithLabelValues(recipient).Observe(duration.Seconds())
}

// ObserveEvent records one event publication.
func (e *Evaluator) ObserveEvent(topic string, subscribers int) {
	e.mu.Lock()
	e.events++
	e.mu.Unlock()

	e.eventsCtr.WithLabelValues(topic).Inc()
}

// ObserveTransition records operation lifecycle progress.
func (e *Evaluator) ObserveTransition(op *operation.Operation, from, to operation.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case from == operation.StatusCreated && to == operation.StatusRunning:
		e.ops.Started++
	case to == operation.StatusCompleted:
		e.ops.Completed++
	case to == operation.StatusFailed:
		e.ops.Failed++
	case to == operation.StatusCancelled:
		e.ops.Cancelled++
	default:
		return
	}

	if to.Terminal() {
		e.opsCtr.WithLabelValues(string(to)).Inc()
	}
}

// RecordQuality records a content quality score attributed to an agent.
func (e *Evaluator) RecordQuality(agent string, score float64) {
	e.mu.Lock()
	stats := e.agent(agent)
	stats.totalQuality += score
	stats.qualityCount++
	e.mu.Unlock()

	e.quality.WithLabelValues(agent).Observe(score)
}

// AgentReport returns the computed stats for one agent.
func (e *Evaluator) AgentReport(agent string) (*AgentStats, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats, ok := e.agents[agent]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentUnknown, agent)
	}
	s := computed(stats)
	return &s, nil
}

// Report returns a snapshot summary, agents sorted by name.
func (e *Evaluator) Report() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	agents := make([]AgentStats, 0, len(e.agents))
	for _, stats := range e.agents {
		agents = append(agents, computed(stats))
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Agent < agents[j].Agent })

	return &Report{
		Agents:     agents,
		Operations: e.ops,
		Events:     e.events,
	}
}

// computed derives the rate and average fields from the raw counters.
// Callers hold e.mu.
func computed(stats *AgentStats) AgentStats {
	s := *stats
	if s.Attempts > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
		s.AvgLatency = s.totalLatency / time.Duration(s.Attempts)
	}
	if s.qualityCount > 0 {
		s.AvgQuality = s.totalQuality / float64(s.qualityCount)
	}
	return s
}

// agent returns (creating if needed) the stats bucket for name. Callers
// hold e.mu.
func (e *Evaluator) agent(name string) *AgentStats {
	stats, ok := e.agents[name]
	if !ok {
		stats = &AgentStats{Agent: name}
		e.agents[name] = stats
	}
	return stats
}
