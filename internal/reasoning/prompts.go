package reasoning

import (
	"fmt"
	"strings"
)

const planInstructions = `You are the orchestrator of a multi-agent research team.
Decompose the request into independent lines of investigation (branches).
For each branch give a name and an ordered list of tasks.
Each task has: id, description, assigned_to (the specialist role), priority (1-10, higher is more urgent), status ("pending") and dependencies (ids of tasks it builds on).
Respond with JSON only, shaped like:
[{
  "id": "branch-1",
  "name": "Branch name",
  "tasks": [
    {"id": "task-1", "description": "...", "assigned_to": "Theoretical Physicist", "priority": 8, "status": "pending", "dependencies": []}
  ]
}]`

func planPrompt(prompt string, attachments []Attachment) string {
	var b strings.Builder
	b.WriteString(planInstructions)
	b.WriteString("\n\nUSER PROMPT: ")
	b.WriteString(prompt)
	if len(attachments) > 0 {
		chunks := make([]string, 0, len(attachments))
		for _, a := range attachments {
			name := strings.TrimSpace(a.Name)
			if name == "" {
				name = "attachment"
			}
			chunks = append(chunks, fmt.Sprintf("FILE: %s\n%s", name, a.Content))
		}
		b.WriteString("\n\nATTACHED CONTEXT:\n")
		b.WriteString(strings.Join(chunks, "\n\n"))
	}
	return b.String()
}

func taskPrompt(description, role, knowledge string) string {
	if strings.TrimSpace(knowledge) == "" {
		knowledge = "No prior context."
	}
	if strings.TrimSpace(role) == "" {
		role = "researcher"
	}
	return fmt.Sprintf(`You are a world-class %s.
Reason carefully and rigorously about the task below.
Treat the context as established knowledge where it helps.

TASK: %s

CONTEXT:
%s`, role, description, knowledge)
}

func synthesisPrompt(prompt string, facts []Fact) string {
	lines := make([]string, 0, len(facts))
	for _, f := range facts {
		src := f.Source
		if src == "" {
			src = "Agent"
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", src, f.Content))
	}
	return fmt.Sprintf(`Write the final research report.
Query: %q

Validated knowledge:
%s

Sections:
1. Executive Summary
2. Methodology
3. Key Findings
4. Future Work`, prompt, strings.Join(lines, "\n\n"))
}

func reviewPrompt(task, output string, threshold int) string {
	return fmt.Sprintf(`You are the peer reviewer of a research team.
Judge the output below for rigor, coherence and correctness.
Score it from 0 to 100 and set approved to true when the score is at least %d.
Respond with JSON only: {"score": int, "feedback": string, "approved": bool}

TASK: %s

OUTPUT:
%s`, threshold, task, output)
}

func artifactPrompt(task, knowledge string) string {
	if strings.TrimSpace(knowledge) == "" {
		knowledge = "No prior context."
	}
	return fmt.Sprintf(`You are the scientific computation expert of a research team.
Decide whether the task is best served by a toy-model Python simulation (numpy only, short runtime) or by the specification of a heavy cluster experiment.
For a toy model respond with:
{"type": "CODE", "code": "python code", "scenarios": ["label", "..."]}
For a heavy experiment respond with:
{"type": "SPEC", "spec": {"title": "...", "complexity": "HIGH or EXTREME", "requirements": ["8x H100 GPUs", "..."], "codeSnippet": "...", "hypothesis": "...", "expectedOutcome": "..."}}
Respond with JSON only.

TASK: %s

CONTEXT:
%s`, task, knowledge)
}
