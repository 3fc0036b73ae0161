package orchestrator

import (
	"fmt"
	"strings"

	"github.com/loomwork/conductor/pkg/schema"
)

const systemPromptPreviewLen = 120

// BuildPlanPrompt composes the planning prompt: a description of every
// available worker (role plus the first 120 chars of its system prompt)
// and an instruction to emit a JSON array of
// {worker_role, task, depends_on[]}.
func BuildPlanPrompt(workers []WorkerInfo, goal string) string {
	var b strings.Builder
	b.WriteString("You are planning work across the following workers:\n\n")
	for _, w := range workers {
		b.WriteString(fmt.Sprintf("- %s: %s\n", w.Role, preview(w.SystemPrompt, systemPromptPreviewLen)))
	}
	b.WriteString("\nGoal:\n")
	b.WriteString(goal)
	b.WriteString("\n\nRespond with a JSON array of objects, one per task, each shaped like:\n")
	b.WriteString(`{"worker_role": "<one of the roles above>", "task": "<what to do>", "depends_on": [<indices of tasks that must finish first>]}`)
	b.WriteString("\nReturn only the JSON array.")
	return b.String()
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ParsePlan extracts the planning reply's JSON array and normalises each
// element: unknown roles are silently reassigned to the
// first worker, task defaults to empty, depends_on defaults to []. If
// extraction fails entirely, it returns a single task assigned to the
// first worker with the raw goal as its task text.
func ParsePlan(reply string, workers []WorkerInfo, goal string) []Task {
	if len(workers) == 0 {
		return nil
	}

	raw := schema.ExtractJSONArray(reply)
	if raw == nil {
		return []Task{{Index: 0, WorkerRole: workers[0].Role, Task: goal, DependsOn: nil}}
	}

	roles := make(map[string]bool, len(workers))
	for _, w := range workers {
		roles[w.Role] = true
	}

	tasks := make([]Task, 0, len(raw))
	for i, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			obj = map[string]any{}
		}

		role, _ := obj["worker_role"].(string)
		if !roles[role] {
			role = workers[0].Role
		}

		taskText, _ := obj["task"].(string)

		var dependsOn []int
		if rawDeps, ok := obj["depends_on"].([]any); ok {
			for _, d := range rawDeps {
				if f, ok := d.(float64); ok {
					dependsOn = append(dependsOn, int(f))
				}
			}
		}

		tasks = append(tasks, Task{Index: i, WorkerRole: role, Task: taskText, DependsOn: dependsOn})
	}

	if len(tasks) == 0 {
		return []Task{{Index: 0, WorkerRole: workers[0].Role, Task: goal, DependsOn: nil}}
	}
	return tasks
}
