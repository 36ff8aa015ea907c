package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"clipflow/internal/domain"
)

// Processor turns an admitted job into a capture result.
type Processor interface {
	Process(ctx context.Context, job domain.CaptureJob) (*domain.CaptureResult, error)
	Cleanup(media []domain.MediaItem)
}

// ExecProcessor shells out to an external capture tool. The tool gets
// the source URL as its last argument and prints a JSON CaptureResult
// on stdout; media refs pointing at files under WorkDir are uploaded
// and cleaned up after the release goes out.
type ExecProcessor struct {
	Command string
	Args    []string
	Timeout time.Duration
	WorkDir string
}

func NewExecProcessor(command string, args []string, timeout time.Duration, workDir string) *ExecProcessor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExecProcessor{Command: command, Args: args, Timeout: timeout, WorkDir: workDir}
}

func (p *ExecProcessor) Process(ctx context.Context, job domain.CaptureJob) (*domain.CaptureResult, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("capture command not configured")
	}
	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	args := append(append([]string{}, p.Args...), job.SourceURL)
	cmd := exec.CommandContext(runCtx, p.Command, args...)
	cmd.Dir = p.WorkDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("capture %s: %s", job.ContentKey, msg)
	}

	var res domain.CaptureResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return nil, fmt.Errorf("capture output for %s: %w", job.ContentKey, err)
	}
	if res.SourceURL == "" {
		res.SourceURL = job.SourceURL
	}
	if res.Text == "" && len(res.Media) == 0 {
		return nil, fmt.Errorf("capture %s produced no content", job.ContentKey)
	}
	return &res, nil
}

// Cleanup removes local artifacts once nothing will send them again.
func (p *ExecProcessor) Cleanup(media []domain.MediaItem) {
	for _, m := range media {
		if !m.Local() {
			continue
		}
		if err := os.Remove(m.Ref); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", m.Ref).Msg("artifact not removed")
		}
	}
}
