package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

const (
	// maxOutput — сколько последних байт вывода сборки сохраняется.
	maxOutput = 64 << 10

	// waitDelay — сколько ждать закрытия pipe вывода после kill процесса.
	waitDelay = 2 * time.Second
)

// Job — одна изолированная сборка.
type Job struct {
	// Name — имя окружения (имя контейнера для DockerRunner).
	Name string

	// Image — образ окружения сборки.
	Image string

	// Privileged — docker socket / вложенный docker внутри сборки.
	Privileged bool

	// Env — переменные окружения, видимые только этой сборке.
	Env map[string]string

	// Script — shell скрипт (выполняется с sh -ec).
	Script string

	// Dir — каталог с распакованным source.
	Dir string

	// Timeout — ограничение времени сборки. 0 = без ограничения.
	Timeout time.Duration
}

// Result — результат сборки.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner выполняет Job.
//
// Ненулевой код выхода возвращается как *domain.BuildError вместе с Result.
// Отмена ctx возвращает ctx.Err().
type Runner interface {
	Run(ctx context.Context, job Job) (Result, error)
}

// DockerRunner выполняет сборку в одноразовом контейнере docker run --rm.
type DockerRunner struct {
	// Binary — путь к docker CLI (default: docker).
	Binary string

	// MountPath — куда монтируется Job.Dir (default: /codebuild/src).
	MountPath string

	Logger *slog.Logger
}

// Run реализует Runner.
func (r *DockerRunner) Run(ctx context.Context, job Job) (Result, error) {
	bin := r.Binary
	if bin == "" {
		bin = "docker"
	}
	mount := r.MountPath
	if mount == "" {
		mount = "/codebuild/src"
	}

	args := []string{"run", "--rm"}
	if job.Name != "" {
		args = append(args, "--name", job.Name)
	}
	if job.Privileged {
		args = append(args, "--privileged")
	}
	args = append(args, "-v", job.Dir+":"+mount, "-w", mount)
	for _, kv := range envPairs(job.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, job.Image, "sh", "-ec", job.Script)

	res, err := run(ctx, job.Timeout, func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, bin, args...)
	})

	// docker run --rm не останавливает контейнер при убийстве CLI
	if ctx.Err() != nil && job.Name != "" {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if out, rmErr := exec.CommandContext(rmCtx, bin, "rm", "-f", job.Name).CombinedOutput(); rmErr != nil {
			r.logger().Warn("failed to remove build container",
				"container", job.Name,
				"error", rmErr,
				"output", string(out),
			)
		}
	}
	return res, err
}

func (r *DockerRunner) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// LocalRunner выполняет скрипт на хосте через sh -ec (dev, тесты).
// Image и Privileged игнорируются.
type LocalRunner struct {
	// Shell — интерпретатор (default: sh).
	Shell string
}

// Run реализует Runner.
func (r *LocalRunner) Run(ctx context.Context, job Job) (Result, error) {
	sh := r.Shell
	if sh == "" {
		sh = "sh"
	}
	return run(ctx, job.Timeout, func(ctx context.Context) *exec.Cmd {
		cmd := exec.CommandContext(ctx, sh, "-ec", job.Script)
		cmd.Dir = job.Dir
		cmd.Env = append(os.Environ(), envPairs(job.Env)...)
		return cmd
	})
}

// run запускает команду и переводит код выхода в BuildError.
//
// Превышение Timeout считается неудачной сборкой с ExitCode -1.
func run(ctx context.Context, timeout time.Duration, build func(context.Context) *exec.Cmd) (Result, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := build(runCtx)
	cmd.WaitDelay = waitDelay
	out := &tailBuffer{limit: maxOutput}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	res := Result{Output: out.String(), Duration: time.Since(start)}

	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, &domain.BuildError{ExitCode: -1, Output: res.Output}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &domain.BuildError{ExitCode: res.ExitCode, Output: res.Output}
	}
	return res, fmt.Errorf("start build: %w", err)
}

// envPairs возвращает K=V в детерминированном порядке.
func envPairs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// tailBuffer хранит последние limit байт записанного.
type tailBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	return b.buf.String()
}
