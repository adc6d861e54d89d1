// pull.go — архивирование по ссылке: узел сам забирает файл по http(s),
// при поддержке Range — несколькими потоками.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
	"github.com/arturkryukov/artsore/archive-node/internal/storage/staging"
)

// maxPullStreams — верхняя граница числа потоков одной загрузки.
const maxPullStreams = 16

// minRangeSize — меньшие файлы забираются одним запросом.
const minRangeSize = 1 << 20

// PullParams — параметры архивирования по ссылке.
type PullParams struct {
	// URL — источник (http или https)
	URL              string
	FileID           string
	MimeType         string
	ChecksumVariant  string
	ExpectedChecksum string
	// Streams — число параллельных потоков (bnum_streams)
	Streams int
}

// SetPullClient задаёт HTTP-клиент для загрузки по ссылке.
func (s *ArchiveService) SetPullClient(c *http.Client) {
	s.pullClient = c
}

func (s *ArchiveService) httpClient() *http.Client {
	if s.pullClient != nil {
		return s.pullClient
	}
	return http.DefaultClient
}

// remoteInfo — сведения об источнике из ответа HEAD.
type remoteInfo struct {
	size        int64
	contentType string
	ranges      bool
}

// Pull забирает файл по ссылке и архивирует его.
func (s *ArchiveService) Pull(ctx context.Context, p PullParams) (*ArchiveResult, error) {
	start := time.Now()
	defer func() {
		archiveDuration.WithLabelValues("pull").Observe(time.Since(start).Seconds())
	}()

	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		archiveRequestsTotal.WithLabelValues("rejected").Inc()
		return nil, model.E(model.KindValidation, "archive.pull", fmt.Sprintf("некорректный fileUri %q", p.URL), err)
	}

	params := ArchiveParams{
		Filename:         path.Base(u.Path),
		FileID:           p.FileID,
		MimeType:         p.MimeType,
		ChecksumVariant:  p.ChecksumVariant,
		ExpectedChecksum: p.ExpectedChecksum,
		Size:             staging.UnknownSize,
	}

	streams := min(max(p.Streams, 1), maxPullStreams)
	if streams > 1 {
		info, err := s.head(ctx, u.String())
		if err != nil {
			s.logger.Debug("HEAD не выполнен, загрузка одним потоком",
				slog.String("url", u.Redacted()),
				slog.String("error", err.Error()),
			)
		} else if info.ranges && info.size >= minRangeSize {
			params.Size = info.size
			if params.MimeType == "" {
				params.MimeType = info.contentType
			}
			s.logger.Info("Загрузка по ссылке диапазонами",
				slog.String("url", u.Redacted()),
				slog.Int("streams", streams),
				slog.Int64("size", info.size),
			)
			return s.archive(ctx, params, func(h *staging.Handle) error {
				return s.fetchRanges(ctx, h, u.String(), info.size, streams)
			})
		}
	}

	resp, err := s.get(ctx, u.String(), "")
	if err != nil {
		archiveRequestsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.ContentLength >= 0 {
		params.Size = resp.ContentLength
	}
	if params.MimeType == "" {
		params.MimeType = mediaType(resp.Header.Get("Content-Type"))
	}
	params.Body = resp.Body

	return s.archive(ctx, params, func(h *staging.Handle) error {
		n, err := h.ReadFrom(ctx, io.LimitReader(resp.Body, s.cfg.MaxFileSize+1))
		if err != nil {
			return err
		}
		if n > s.cfg.MaxFileSize {
			return model.E(model.KindValidation, "archive.pull", "размер файла превышает максимум", nil)
		}
		return nil
	})
}

// head запрашивает размер и поддержку Range.
func (s *ArchiveService) head(ctx context.Context, rawURL string) (*remoteInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HEAD: HTTP %d", resp.StatusCode)
	}
	return &remoteInfo{
		size:        resp.ContentLength,
		contentType: mediaType(resp.Header.Get("Content-Type")),
		ranges:      strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}, nil
}

// get выполняет GET (с Range, если задан) и проверяет код ответа.
func (s *ArchiveService) get(ctx context.Context, rawURL, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, model.E(model.KindValidation, "archive.pull", "некорректный запрос к источнику", err)
	}
	want := http.StatusOK
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
		want = http.StatusPartialContent
	}
	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, model.E(model.KindStagingIO, "archive.pull", "источник недоступен", err)
	}
	if resp.StatusCode != want {
		resp.Body.Close()
		return nil, model.E(model.KindStagingIO, "archive.pull",
			fmt.Sprintf("источник ответил HTTP %d", resp.StatusCode), nil).
			With("range", byteRange)
	}
	return resp, nil
}

// fetchRanges делит файл на streams диапазонов и пишет их параллельно
// по смещениям временного файла.
func (s *ArchiveService) fetchRanges(ctx context.Context, h *staging.Handle, rawURL string, size int64, streams int) error {
	chunk := (size + int64(streams) - 1) / int64(streams)

	g, gctx := errgroup.WithContext(ctx)
	for off := int64(0); off < size; off += chunk {
		end := min(off+chunk, size) - 1
		g.Go(func() error {
			resp, err := s.get(gctx, rawURL, "bytes="+strconv.FormatInt(off, 10)+"-"+strconv.FormatInt(end, 10))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			want := end - off + 1
			n, err := io.Copy(io.NewOffsetWriter(h, off), io.LimitReader(resp.Body, want))
			if err != nil {
				return err
			}
			if n != want {
				return model.E(model.KindStagingIO, "archive.pull",
					fmt.Sprintf("диапазон %d-%d: получено %d байт из %d", off, end, n, want), nil)
			}
			return nil
		})
	}
	return g.Wait()
}

// mediaType отбрасывает параметры заголовка Content-Type.
func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}
