package putio

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/taskgraph/internal/downloader"
	"github.com/italolelis/taskgraph/internal/logctx"
)

// crc32Algorithm is the checksum put.io publishes for every file.
const crc32Algorithm = "CRC32"

// Source lists put.io folders as downloadable artifacts.
type Source struct {
	putioClient *putio.Client
}

func New(token string) *Source {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return &Source{putioClient: putio.NewClient(oauthClient)}
}

func (s *Source) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := s.putioClient.Account.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}

// Artifacts returns every file below folderID, keeping the folder layout
// in the artifact paths.
func (s *Source) Artifacts(ctx context.Context, folderID int64) ([]downloader.Artifact, error) {
	root, err := s.putioClient.Files.Get(ctx, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get folder %d: %w", folderID, err)
	}

	artifacts, err := s.walk(ctx, root, "")
	if err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "found artifacts to download", "folder_id", folderID, "artifact_count", len(artifacts))

	return artifacts, nil
}

func (s *Source) walk(ctx context.Context, file putio.File, basePath string) ([]downloader.Artifact, error) {
	if !file.IsDir() {
		a, err := s.artifact(ctx, file, basePath)
		if err != nil {
			return nil, err
		}

		return []downloader.Artifact{a}, nil
	}

	logger := logctx.LoggerFromContext(ctx).With("parent_id", file.ID, "base_path", basePath)

	children, _, err := s.putioClient.Files.List(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files of %d: %w", file.ID, err)
	}

	var result []downloader.Artifact

	for _, f := range children {
		if f.IsDir() {
			nested, err := s.walk(ctx, f, path.Join(basePath, f.Name))
			if err != nil {
				logger.ErrorContext(ctx, "failed to get nested files", "err", err)

				continue
			}

			result = append(result, nested...)

			continue
		}

		a, err := s.artifact(ctx, f, basePath)
		if err != nil {
			return nil, err
		}

		result = append(result, a)
	}

	return result, nil
}

func (s *Source) artifact(ctx context.Context, f putio.File, basePath string) (downloader.Artifact, error) {
	url, err := s.putioClient.Files.URL(ctx, f.ID, false)
	if err != nil {
		return downloader.Artifact{}, fmt.Errorf("failed to get download url of %d: %w", f.ID, err)
	}

	a := downloader.Artifact{
		Name: f.Name,
		Path: path.Join(basePath, f.Name),
		URLs: []string{url},
		Size: f.Size,
	}

	if crc := strings.TrimSpace(f.CRC32); crc != "" {
		a.Algorithm = crc32Algorithm
		a.Digest = crc
	}

	return a, nil
}
