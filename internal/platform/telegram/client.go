// Пакет telegram — HTTP-клиент Bot API для скачивания файлов, присланных пользователями.
// Двухшаговая схема: getFile → file_path, затем GET {base}/file/bot{token}/{file_path}.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrNotConfigured — токен бота не задан.
var ErrNotConfigured = errors.New("токен бота не задан")

// StatusError — ответ Bot API с ошибкой.
type StatusError struct {
	StatusCode  int
	Description string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Bot API: статус %d: %s", e.StatusCode, e.Description)
}

// HTTPStatusCode возвращает HTTP-статус ответа.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client — клиент Bot API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New создаёт клиента Bot API.
// baseURL — адрес Bot API (например, https://api.telegram.org).
// timeout — таймаут одного запроса, включая скачивание файла.
func New(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
		logger: logger.With(slog.String("component", "telegram_client")),
	}
}

// fileResponse — ответ метода getFile.
type fileResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      struct {
		FileID   string `json:"file_id"`
		FilePath string `json:"file_path"`
		FileSize int64  `json:"file_size"`
	} `json:"result"`
}

// DownloadFile скачивает файл fileID в dst.
// При ошибке частично записанный файл удаляется.
func (c *Client) DownloadFile(ctx context.Context, fileID, dst string) error {
	if c.token == "" {
		return ErrNotConfigured
	}

	filePath, err := c.getFilePath(ctx, fileID)
	if err != nil {
		return err
	}

	reqURL := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("создание запроса скачивания: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("запрос скачивания файла: %w", redact(err, c.token))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Description: "скачивание файла"}
	}

	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("создание файла %s: %w", dst, err)
	}
	n, err := io.Copy(f, resp.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
		return fmt.Errorf("запись файла %s: %w", dst, redact(err, c.token))
	}

	c.logger.Debug("Файл скачан",
		slog.String("file_id", fileID),
		slog.Int64("bytes", n),
	)
	return nil
}

// getFilePath вызывает getFile и возвращает file_path.
func (c *Client) getFilePath(ctx context.Context, fileID string) (string, error) {
	reqURL := fmt.Sprintf("%s/bot%s/getFile?file_id=%s", c.baseURL, c.token, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("создание запроса getFile: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("запрос getFile: %w", redact(err, c.token))
	}
	defer resp.Body.Close()

	var body fileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("разбор ответа getFile (статус %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		return "", &StatusError{StatusCode: resp.StatusCode, Description: body.Description}
	}
	if body.Result.FilePath == "" {
		return "", &StatusError{StatusCode: resp.StatusCode, Description: "пустой file_path"}
	}
	return body.Result.FilePath, nil
}

// redact убирает токен из текста ошибки (url.Error содержит полный URL).
func redact(err error, token string) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return &url.Error{
			Op:  uerr.Op,
			URL: strings.ReplaceAll(uerr.URL, token, "***"),
			Err: uerr.Err,
		}
	}
	return err
}
