// Package logging provides ralph's two logging channels: a structured JSON
// stream to logs/ralph.jsonl for machine consumption (zap, following the
// teacher's own sibling project's convention in its internal/log package),
// and colored console lines for the human operator watching the terminal
// (fatih/color, the teacher's own idiom in cmd/vc).
package logging

import (
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger writing JSON lines to logDir/ralph.jsonl. Console
// output is handled separately via the Console helpers below — the two
// channels are intentionally independent so silencing one never silences
// the other.
func New(logDir string) (*zap.Logger, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(logDir, "ralph.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zap.InfoLevel)
	return zap.New(core), nil
}

// Console holds the color.Color sprint functions used for human-facing
// status lines, grounded on the teacher's cmd/vc color palette
// (cyan headers, yellow labels, green success, red failure, gray detail).
type Console struct {
	Header  func(a ...interface{}) string
	Label   func(a ...interface{}) string
	Success func(a ...interface{}) string
	Failure func(a ...interface{}) string
	Detail  func(a ...interface{}) string
}

// NewConsole builds the standard Console palette.
func NewConsole() *Console {
	return &Console{
		Header:  color.New(color.FgCyan, color.Bold).SprintFunc(),
		Label:   color.New(color.FgYellow).SprintFunc(),
		Success: color.New(color.FgGreen).SprintFunc(),
		Failure: color.New(color.FgRed).SprintFunc(),
		Detail:  color.New(color.FgHiBlack).SprintFunc(),
	}
}
