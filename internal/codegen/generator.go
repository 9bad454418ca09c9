// Package codegen drives the code-generation CLI to implement tool files
// from structured function specifications.
package codegen

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentbrowser/toolgen/internal/procrun"
)

// ParamSpec describes one function parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ReturnSpec describes a function's return value.
type ReturnSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// FunctionSpec describes one function the generated tool must expose.
type FunctionSpec struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params"`
	Returns     ReturnSpec  `json:"returns"`
}

// GenerationResult holds the artifact produced by a successful run.
type GenerationResult struct {
	ToolName   string
	OutputFile string
	Code       string
	Stdout     string
	Duration   time.Duration
}

// OutputNotFoundError reports a generator run that exited cleanly but never
// wrote the expected output file. Callers treat it as a generation failure,
// not a launch or timeout problem.
type OutputNotFoundError struct {
	ToolName string
	Path     string
}

func (e *OutputNotFoundError) Error() string {
	return fmt.Sprintf("generated file not found: %s", e.Path)
}

// Config controls how the generator invokes the CLI.
type Config struct {
	// Command is the CLI binary, e.g. "codex".
	Command string
	// Model passed via --model.
	Model string
	// ToolServiceDir is the working directory handed to the CLI via --cd.
	ToolServiceDir string
	// ToolsDir is the subdirectory of ToolServiceDir where tool files land.
	ToolsDir string
	// Timeout bounds a single generation run.
	Timeout time.Duration
}

// Generator invokes the code-generation CLI and extracts its output file.
type Generator struct {
	cfg    Config
	runner *procrun.Runner
	logger *slog.Logger
}

// NewGenerator creates a Generator. A nil logger falls back to slog.Default.
func NewGenerator(cfg Config, runner *procrun.Runner, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = procrun.NewRunner(logger)
	}
	return &Generator{cfg: cfg, runner: runner, logger: logger}
}

// Generate runs the CLI to implement toolName from the given function specs
// and reads the produced file. A clean exit without the expected file is an
// *OutputNotFoundError.
func (g *Generator) Generate(ctx context.Context, toolName string, fns []FunctionSpec) (*GenerationResult, error) {
	if toolName == "" {
		return nil, fmt.Errorf("tool name cannot be empty")
	}
	if len(fns) == 0 {
		return nil, fmt.Errorf("at least one function spec is required")
	}

	toolsPath := filepath.Join(g.cfg.ToolServiceDir, g.cfg.ToolsDir)
	if err := os.MkdirAll(toolsPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating tools directory: %w", err)
	}

	prompt := buildImplementationPrompt(toolName, g.cfg.ToolsDir, fns)

	spec := procrun.Spec{
		Command: g.cfg.Command,
		Args: []string{
			"exec",
			"--full-auto",
			"--model", g.cfg.Model,
			"--cd", g.cfg.ToolServiceDir,
			prompt,
		},
		Timeout: g.cfg.Timeout,
	}

	g.logger.Info("starting code generation",
		"tool", toolName,
		"command", g.cfg.Command,
		"model", g.cfg.Model)

	result, err := g.runner.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("generating tool %s: %w", toolName, err)
	}

	outputFile := filepath.Join(toolsPath, toolName+".py")
	code, readErr := os.ReadFile(outputFile)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			g.logger.Warn("generator exited cleanly but output file is missing",
				"tool", toolName,
				"path", outputFile)
			return nil, &OutputNotFoundError{ToolName: toolName, Path: outputFile}
		}
		return nil, fmt.Errorf("reading generated file: %w", readErr)
	}

	g.logger.Info("code generation completed",
		"tool", toolName,
		"output_file", outputFile,
		"duration", result.Duration)

	return &GenerationResult{
		ToolName:   toolName,
		OutputFile: outputFile,
		Code:       string(code),
		Stdout:     result.Stdout,
		Duration:   result.Duration,
	}, nil
}

// buildImplementationPrompt renders numbered function sections into the
// prompt handed to the CLI.
func buildImplementationPrompt(toolName, toolsDir string, fns []FunctionSpec) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Create a Python tool file named %s/%s.py with the following requirements:\n\n", toolsDir, toolName)
	b.WriteString("## Tool Requirements:\n")

	for i, fn := range fns {
		name := fn.Name
		if name == "" {
			name = fmt.Sprintf("function_%d", i+1)
		}
		desc := fn.Description
		if desc == "" {
			desc = "No description provided"
		}

		fmt.Fprintf(&b, "### Function %d: %s\n", i+1, name)
		fmt.Fprintf(&b, "**Description:** %s\n\n", desc)
		b.WriteString("**Parameters:**\n")

		if len(fn.Params) == 0 {
			b.WriteString("- No parameters\n")
		}
		for _, p := range fn.Params {
			pType := p.Type
			if pType == "" {
				pType = "Any"
			}
			pDesc := p.Description
			if pDesc == "" {
				pDesc = "No description"
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", p.Name, pType, pDesc)
		}

		retType := fn.Returns.Type
		if retType == "" {
			retType = "Dict[str, Any]"
		}
		retDesc := fn.Returns.Description
		if retDesc == "" {
			retDesc = "Function result"
		}
		fmt.Fprintf(&b, "\n**Returns:** %s - %s\n\n", retType, retDesc)
	}

	b.WriteString("## Implementation Requirements:\n")
	b.WriteString("1. Import the shared toolset: `from .toolset import toolset`\n")
	b.WriteString("2. Use the @toolset.add() decorator to register each function\n")
	b.WriteString("3. Include proper type hints and docstrings\n")
	b.WriteString("4. Handle errors gracefully with try/catch blocks\n")
	b.WriteString("5. Return results in a structured format with success/error indicators\n\n")
	b.WriteString("Generate the complete, production-ready tool implementation.\n")
	fmt.Fprintf(&b, "Save the file as %s/%s.py", toolsDir, toolName)

	return b.String()
}
