package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tdd-orchestrator/core/orchestrator/store"
)

// yamlBacklog is the on-disk shape of a task backlog file: a flat,
// dependency-ordered list of tasks to create if they don't already exist.
// This is how an operator hands the orchestrator a whole TDD pipeline plan
// in one file instead of creating tasks one at a time.
type yamlBacklog struct {
	Tasks []yamlTask `yaml:"tasks"`
}

type yamlTask struct {
	Key                string   `yaml:"key"`
	Title              string   `yaml:"title"`
	Goal               string   `yaml:"goal"`
	Phase              int      `yaml:"phase"`
	Sequence           int      `yaml:"sequence"`
	Complexity         string   `yaml:"complexity"`
	DependsOn          []string `yaml:"depends_on"`
	AcceptanceCriteria []string `yaml:"acceptance_criteria"`
	TestFile           string   `yaml:"test_file"`
	ImplFile           string   `yaml:"impl_file"`
	VerifyCommand      []string `yaml:"verify_command"`
	ModuleExports      []string `yaml:"module_exports"`
	ImplHints          string   `yaml:"impl_hints"`
}

func loadBacklog(path string) (yamlBacklog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return yamlBacklog{}, fmt.Errorf("read %s: %w", path, err)
	}
	var backlog yamlBacklog
	if err := yaml.Unmarshal(data, &backlog); err != nil {
		return yamlBacklog{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return backlog, nil
}

// seedTasks creates every task in the backlog file that store does not
// already hold, in file order, and returns how many were created.
func seedTasks(st store.Store, path string) (int, error) {
	backlog, err := loadBacklog(path)
	if err != nil {
		return 0, err
	}

	ctx := context.Background()
	created := 0
	for _, t := range backlog.Tasks {
		if t.Key == "" {
			return created, fmt.Errorf("task at phase %d sequence %d is missing a key", t.Phase, t.Sequence)
		}
		if _, err := st.GetTask(ctx, t.Key); err == nil {
			continue
		}

		_, err := st.CreateTask(ctx, store.Task{
			Key:                t.Key,
			Title:              t.Title,
			Goal:               t.Goal,
			Phase:              t.Phase,
			Sequence:           t.Sequence,
			Complexity:         store.Complexity(t.Complexity),
			DependsOn:          t.DependsOn,
			AcceptanceCriteria: t.AcceptanceCriteria,
			TestFile:           t.TestFile,
			ImplFile:           t.ImplFile,
			VerifyCommand:      t.VerifyCommand,
			ModuleExports:      t.ModuleExports,
			ImplHints:          t.ImplHints,
		})
		if err != nil {
			return created, fmt.Errorf("create task %s: %w", t.Key, err)
		}
		created++
	}
	return created, nil
}
