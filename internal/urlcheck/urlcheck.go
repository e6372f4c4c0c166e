// Пакет urlcheck — проверка пользовательских URL перед постановкой в очередь.
//
// Порядок проверок EnsureAllowedURL:
//  1. схема http/https и наличие хоста
//  2. список разрешённых доменов (точное совпадение или поддомен)
//  3. DNS: хотя бы один публичный адрес, ошибка разрешения — отказ
//  4. HEAD-запрос, при 405 — GET с Range: bytes=0-0
//  5. Content-Length не больше лимита
package urlcheck

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Причины отказа, показываемые пользователю.
const (
	ReasonScheme      = "Схема ссылки не поддерживается"
	ReasonNoHost      = "Не удалось определить домен"
	ReasonDomain      = "Домен не в списке разрешённых"
	ReasonPrivate     = "Домен указывает на приватный IP"
	ReasonUnreachable = "Удалённый сервер недоступен"
	ReasonTooLarge    = "Размер файла превышает лимит"
	ReasonRestricted  = "Загрузка с этой платформы не поддерживается"
)

// Meta — сведения о ресурсе, полученные при пробном запросе.
type Meta struct {
	ContentType   string `json:"content_type,omitempty"`
	ContentLength *int64 `json:"content_length,omitempty"`
	AcceptRanges  string `json:"accept_ranges,omitempty"`
}

// AsMap возвращает сведения в виде набора для params.media_info задачи.
func (m Meta) AsMap() map[string]any {
	out := make(map[string]any, 3)
	if m.ContentType != "" {
		out["content_type"] = m.ContentType
	}
	if m.ContentLength != nil {
		out["content_length"] = *m.ContentLength
	}
	if m.AcceptRanges != "" {
		out["accept_ranges"] = m.AcceptRanges
	}
	return out
}

// Result — итог проверки URL.
type Result struct {
	OK     bool
	Reason string
	Meta   Meta
}

// Err возвращает *ValidationRejected для отказа и nil для допуска.
func (r Result) Err() error {
	if r.OK {
		return nil
	}
	return &ValidationRejected{Reason: r.Reason}
}

// ValidationRejected — URL не прошёл проверку. Задача не ставится в очередь.
type ValidationRejected struct {
	Reason string
}

func (e *ValidationRejected) Error() string {
	return "ссылка отклонена: " + e.Reason
}

// Resolver — разрешение имён. *net.Resolver удовлетворяет интерфейсу.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Validator — проверка URL.
type Validator struct {
	// AllowedDomains — разрешённые домены в нижнем регистре (пусто — любые)
	AllowedDomains []string
	// MaxBytes — предельный размер ресурса
	MaxBytes int64

	resolver Resolver
	client   *http.Client
	logger   *slog.Logger
}

// Option — настройка Validator.
type Option func(*Validator)

// WithResolver подменяет DNS-резолвер.
func WithResolver(r Resolver) Option {
	return func(v *Validator) { v.resolver = r }
}

// WithHTTPClient подменяет HTTP-клиент пробного запроса.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Validator) { v.client = c }
}

// New создаёт Validator. По умолчанию пробный запрос идёт через клиент,
// который не соединяется с непубличными адресами.
func New(allowed []string, maxBytes int64, logger *slog.Logger, opts ...Option) *Validator {
	v := &Validator{
		AllowedDomains: allowed,
		MaxBytes:       maxBytes,
		resolver:       net.DefaultResolver,
		client:         NewSafeClient(10 * time.Second),
		logger:         logger.With(slog.String("component", "urlcheck")),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// EnsureAllowedURL проверяет URL и возвращает итог с причиной отказа
// или сведениями о ресурсе.
func (v *Validator) EnsureAllowedURL(ctx context.Context, rawURL string) Result {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return Result{Reason: ReasonScheme}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Result{Reason: ReasonScheme}
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Result{Reason: ReasonNoHost}
	}

	if !v.domainAllowed(host) {
		return Result{Reason: ReasonDomain}
	}

	if v.hostIsPrivate(ctx, host) {
		return Result{Reason: ReasonPrivate}
	}

	resp, err := v.probe(ctx, u.String())
	if err != nil {
		v.logger.Warn("Пробный запрос не выполнен",
			slog.String("url", u.Redacted()),
			slog.String("error", err.Error()),
		)
		return Result{Reason: ReasonUnreachable}
	}

	meta := metaFromResponse(resp)
	if meta.ContentLength != nil && *meta.ContentLength > v.MaxBytes {
		return Result{Reason: ReasonTooLarge, Meta: meta}
	}
	if meta.AcceptRanges != "" && !strings.Contains(strings.ToLower(meta.AcceptRanges), "bytes") {
		v.logger.Info("Ресурс не поддерживает диапазоны", slog.String("url", u.Redacted()))
	}

	return Result{OK: true, Meta: meta}
}

// domainAllowed — точное совпадение или поддомен разрешённого домена.
func (v *Validator) domainAllowed(host string) bool {
	if len(v.AllowedDomains) == 0 {
		return true
	}
	for _, d := range v.AllowedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hostIsPrivate возвращает true, если у хоста нет ни одного публичного адреса.
// Ошибка разрешения имени считается отказом.
func (v *Validator) hostIsPrivate(ctx context.Context, host string) bool {
	if addr, err := netip.ParseAddr(host); err == nil {
		return !IsPublic(addr)
	}
	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		v.logger.Info("Ошибка разрешения имени",
			slog.String("host", host),
			slog.String("error", err.Error()),
		)
		return true
	}
	for _, a := range addrs {
		if IsPublic(a) {
			return false
		}
	}
	return true
}

// probe выполняет HEAD, при 405 — GET первого байта.
// Ответ со статусом >= 400 считается ошибкой.
func (v *Validator) probe(ctx context.Context, target string) (*http.Response, error) {
	resp, err := v.do(ctx, http.MethodHead, target, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp, err = v.do(ctx, http.MethodGet, target, map[string]string{"Range": "bytes=0-0"})
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("статус ответа %d", resp.StatusCode)
	}
	return resp, nil
}

func (v *Validator) do(ctx context.Context, method, target string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, err
	}
	// Тело не нужно: достаточно заголовков
	resp.Body.Close()
	return resp, nil
}

// metaFromResponse извлекает тип, размер и поддержку диапазонов.
// Для ответа 206 размер берётся из Content-Range.
func metaFromResponse(resp *http.Response) Meta {
	meta := Meta{
		ContentType:  resp.Header.Get("Content-Type"),
		AcceptRanges: resp.Header.Get("Accept-Ranges"),
	}
	if resp.StatusCode == http.StatusPartialContent {
		if total, ok := totalFromContentRange(resp.Header.Get("Content-Range")); ok {
			meta.ContentLength = &total
			if meta.AcceptRanges == "" {
				meta.AcceptRanges = "bytes"
			}
		}
		return meta
	}
	if resp.ContentLength >= 0 {
		n := resp.ContentLength
		meta.ContentLength = &n
		return meta
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			meta.ContentLength = &n
		}
	}
	return meta
}

// totalFromContentRange разбирает "bytes 0-0/12345".
func totalFromContentRange(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || i == len(v)-1 {
		return 0, false
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
