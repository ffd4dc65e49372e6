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

package evaluation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/devport-labs/devport/pkg/bus"
	"github.com/devport-labs/devport/pkg/memstore"
	"github.com/devport-labs/devport/pkg/operation"
)

// FromStore reconstructs a Report from the persisted bus traffic, topic
// events and operation transitions. A live Evaluator only sees what happened
// in its own process; this path lets a fresh process report on every run the
// store has witnessed.
func FromStore(ctx context.Context, store memstore.Store) (*Report, error) {
	entries, err := store.Query(ctx, memstore.Filter{})
	if err != nil {
		return nil, err
	}

	agents := make(map[string]*AgentStats)
	stat := func(name string) *AgentStats {
		s, ok := agents[name]
		if !ok {
			s = &AgentStats{Agent: name}
			agents[name] = s
		}
		return s
	}

	// Requests are always persisted before their responses, so a single
	// pass in insertion order sees every request id first.
	sentAt := make(map[string]time.Time)
	var ops OperationStats
	events := 0

	for _, entry := range entries {
		switch {
		case strings.HasPrefix(entry.SubjectKey, "topic:"):
			events++

		case strings.HasPrefix(entry.SubjectKey, "op:"):
			from, _ := entry.Payload["from"].(string)
			to, _ := entry.Payload["to"].(string)
			switch {
			case from == string(operation.StatusCreated) && to == string(operation.StatusRunning):
				ops.Started++
			case to == string(operation.StatusCompleted):
				ops.Completed++
			case to == string(operation.StatusFailed):
				ops.Failed++
			case to == string(operation.StatusCancelled):
				ops.Cancelled++
			}

		case strings.HasPrefix(entry.SubjectKey, "bus:"):
			kind, _ := entry.Payload["kind"].(string)
			switch bus.Kind(kind) {
			case bus.KindRequest:
				recipient, _ := entry.Payload["recipient"].(string)
				if recipient == "" {
					continue
				}
				stat(recipient).Attempts++
				if id, ok := entry.Payload["id"].(string); ok {
					if at, ok := messageTime(entry.Payload); ok {
						sentAt[id] = at
					}
				}
			case bus.KindResponse:
				// The response's sender is the agent that served the request.
				responder, _ := entry.Payload["sender"].(string)
				if responder == "" {
					continue
				}
				s := stat(responder)
				if entry.Metadata["error"] == nil {
					s.Successes++
				}
				corr, _ := entry.Payload["correlation_id"].(string)
				if requested, ok := sentAt[corr]; ok {
					if answered, ok := messageTime(entry.Payload); ok && answered.After(requested) {
						s.totalLatency += answered.Sub(requested)
					}
				}
			}
		}
	}

	out := make([]AgentStats, 0, len(agents))
	for _, s := range agents {
		out = append(out, computed(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })

	return &Report{
		Agents:     out,
		Operations: ops,
		Events:     events,
	}, nil
}

func messageTime(payload map[string]any) (time.Time, bool) {
	raw, ok := payload["timestamp"].(string)
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
