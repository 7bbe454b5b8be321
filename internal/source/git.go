package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/shaiso/Conveyor/internal/domain"
)

// GitConfig — конфигурация GitFetcher.
type GitConfig struct {
	// BaseURL — префикс URL репозиториев (default: https://github.com).
	BaseURL string

	// Tokens — источник OAuth токенов. nil = анонимный доступ.
	Tokens TokenProvider

	// DefaultTokenSecret — имя секрета, если Request.TokenSecret пуст.
	DefaultTokenSecret string

	Logger *slog.Logger
}

// GitFetcher клонирует репозиторий в память (go-git + memfs).
type GitFetcher struct {
	cfg    GitConfig
	logger *slog.Logger
}

// NewGitFetcher создаёт GitFetcher.
func NewGitFetcher(cfg GitConfig) *GitFetcher {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://github.com"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GitFetcher{cfg: cfg, logger: cfg.Logger}
}

// URL возвращает адрес репозитория.
func (f *GitFetcher) URL(owner, repository string) string {
	base := strings.TrimSuffix(f.cfg.BaseURL, "/")
	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		return fmt.Sprintf("%s/%s/%s.git", base, owner, repository)
	}
	// локальный путь: каталоги без суффикса .git
	return fmt.Sprintf("%s/%s/%s", base, owner, repository)
}

// Fetch реализует Fetcher.
//
// Без Revision выполняется shallow clone головы ветки. С Revision ветка
// клонируется целиком и ревизия разрешается в её истории.
func (f *GitFetcher) Fetch(ctx context.Context, req Request) (Snapshot, error) {
	url := f.URL(req.Owner, req.Repository)

	// 1. Авторизация
	auth, err := f.auth(ctx, req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}

	// 2. Clone ветки в память
	opts := &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(req.Branch),
		SingleBranch:  true,
		Tags:          git.NoTags,
	}
	if auth != nil {
		opts.Auth = auth
	}
	if req.Revision == "" {
		opts.Depth = 1
	}

	fs := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, opts)
	if err != nil {
		return Snapshot{}, f.wrap(ctx, fmt.Errorf("clone %s: %w", url, err))
	}

	// 3. Разрешение ревизии
	var hash plumbing.Hash
	if req.Revision == "" {
		head, err := repo.Head()
		if err != nil {
			return Snapshot{}, f.wrap(ctx, fmt.Errorf("resolve head: %w", err))
		}
		hash = head.Hash()
	} else {
		h, err := repo.ResolveRevision(plumbing.Revision(req.Revision))
		if err != nil {
			return Snapshot{}, f.wrap(ctx, fmt.Errorf("resolve revision %s: %w", req.Revision, err))
		}
		hash = *h

		wt, err := repo.Worktree()
		if err != nil {
			return Snapshot{}, f.wrap(ctx, err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
			return Snapshot{}, f.wrap(ctx, fmt.Errorf("checkout %s: %w", hash, err))
		}
	}

	commit, err := repo.CommitObject(hash)
	if err != nil {
		return Snapshot{}, f.wrap(ctx, fmt.Errorf("read commit %s: %w", hash, err))
	}

	// 4. Файлы worktree
	files, err := readTree(fs)
	if err != nil {
		return Snapshot{}, f.wrap(ctx, err)
	}

	f.logger.Info("source fetched",
		"repository", req.Owner+"/"+req.Repository,
		"branch", req.Branch,
		"revision", hash.String(),
		"files", len(files),
	)

	return Snapshot{
		Revision: hash.String(),
		Branch:   req.Branch,
		Message:  strings.TrimSpace(commit.Message),
		Author:   commit.Author.Name,
		Files:    files,
	}, nil
}

func (f *GitFetcher) auth(ctx context.Context, req Request) (transport.AuthMethod, error) {
	if f.cfg.Tokens == nil {
		return nil, nil
	}
	secret := req.TokenSecret
	if secret == "" {
		secret = f.cfg.DefaultTokenSecret
	}
	token, err := f.cfg.Tokens.Token(ctx, secret)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}
	return &http.BasicAuth{Username: "token", Password: token}, nil
}

// wrap отображает ошибку в ErrSourceUnavailable, сохраняя отмену контекста.
func (f *GitFetcher) wrap(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return fmt.Errorf("%w: access denied: %v", domain.ErrSourceUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
}

// readTree читает все файлы billy.Filesystem.
func readTree(fs billy.Filesystem) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := util.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := util.ReadFile(fs, path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		files[strings.TrimPrefix(path, "/")] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
