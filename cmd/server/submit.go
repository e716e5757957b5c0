package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/t77yq/taskgraph/internal/api"
	"github.com/t77yq/taskgraph/internal/service"
)

const submitTimeout = 30 * time.Second

func newSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Create and plan a task from a YAML file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Task file (title, inputs, budget)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "workspace",
				Aliases:  []string{"w"},
				Usage:    "Workspace id",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "actor",
				Usage: "Actor id recorded as the task creator",
				Value: "cli",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "Base URL of a running taskgraph server",
				Value: "http://127.0.0.1:8080",
			},
			&cli.BoolFlag{
				Name:  "no-plan",
				Usage: "Create the task without planning it",
			},
		},
		Action: runSubmit,
	}
}

// loadTaskFile decodes a task file. Inputs keep their YAML structure, so a
// planHint can be written inline.
func loadTaskFile(path string) (*service.CreateTaskRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var req service.CreateTaskRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse task file: %w", err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("task file %s has no title", path)
	}
	return &req, nil
}

func runSubmit(ctx context.Context, cmd *cli.Command) error {
	req, err := loadTaskFile(cmd.String("file"))
	if err != nil {
		return err
	}
	req.Plan = !cmd.Bool("no-plan")

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	url := strings.TrimRight(cmd.String("server"), "/") + "/api/tasks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(api.HeaderActorID, cmd.String("actor"))
	httpReq.Header.Set(api.HeaderWorkspaceID, cmd.String("workspace"))

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		var apiErr api.APIError
		if json.Unmarshal(out, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("server rejected task: %s", apiErr.Message)
		}
		return fmt.Errorf("server rejected task: %s", resp.Status)
	}

	var res service.CreateTaskResult
	if err := json.Unmarshal(out, &res); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("task %s %s\n", res.Task.ID, res.Task.State)
	if res.Plan != nil {
		if res.Plan.Planned {
			fmt.Printf("planned %d steps, root %s\n", res.Plan.Count, res.Plan.RootStepID)
		} else {
			fmt.Printf("not planned: %s\n", res.Plan.Reason)
		}
	}
	return nil
}
