// Пакет config — загрузка и валидация конфигурации ClipSafe
// из переменных окружения CLIPSAFE_* и необязательного YAML-файла.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Префикс переменных окружения.
const envPrefix = "CLIPSAFE_"

// Config содержит все параметры конфигурации ClipSafe.
// Создаётся один раз при старте и передаётся в конструкторы компонентов.
type Config struct {
	// URL подключения к Redis (очередь задач и лимитер)
	RedisURL string
	// Префикс ключей Redis
	KeyPrefix string

	// Корень хранилища артефактов
	StorageRoot string
	// Корень временных директорий задач
	TempRoot string
	// Время жизни результата
	ResultTTL time.Duration
	// Интервал запуска очистки просроченных артефактов
	GCInterval time.Duration

	// Лимит задач на пользователя в окне
	JobsPerHour int
	// Ширина скользящего окна лимитера
	RateWindow time.Duration

	// Максимальный размер источника в байтах
	MaxFileSize int64
	// Допустимые домены источников (пусто — любые публичные)
	AllowedDomains []string

	// Базовый публичный URL раздачи артефактов
	PublicBaseURL string
	// Параметры S3-совместимого хранилища (опционально)
	S3Endpoint   string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	S3PublicBase string
	S3UseSSL     bool

	// Токен бота чат-платформы для скачивания файлов
	BotToken string
	// Базовый URL Bot API
	BotAPIURL string

	// Пути к ffmpeg/ffprobe
	FFmpegPath  string
	FFprobePath string
	// Жёсткий таймаут подпроцесса ffmpeg
	FFmpegTimeout time.Duration
	// Таймаут скачивания источника
	DownloadTimeout time.Duration
	// Количество попыток скачивания
	DownloadRetries int

	// Ожидание новой задачи в очереди
	PollTimeout time.Duration
	// Количество воркеров в процессе
	WorkerCount int

	// Порт HTTP API
	APIPort int
	// Порт служебного HTTP-сервера воркера (health, metrics)
	WorkerPort int
	// URL JWKS для проверки JWT (пусто — идентификатор из X-User-ID)
	JWKSUrl string
	// Допуск по времени при проверке exp/nbf
	JWTLeeway time.Duration
	// Разрешённые CORS-источники
	CORSOrigins []string
	// Ограничение частоты запросов к API
	APIRPS   float64
	APIBurst int
	// Ёмкость кэша завершённых задач
	JobCacheSize int
	// TTL кэша завершённых задач
	JobCacheTTL time.Duration

	// URL PostgreSQL для архива задач (опционально)
	DatabaseURL string

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Имя группы в метриках topologymetrics
	DephealthGroup string

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// S3Enabled сообщает, настроено ли удалённое хранилище.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// loader читает значения сначала из окружения, затем из YAML-файла.
type loader struct {
	file map[string]string
}

// Load загружает конфигурацию, валидирует значения и возвращает Config или ошибку.
// Если задан CLIPSAFE_CONFIG_FILE, ключи файла служат значениями по умолчанию,
// а переменные окружения их перекрывают.
func Load() (*Config, error) {
	l := &loader{}
	if path := os.Getenv(envPrefix + "CONFIG_FILE"); path != "" {
		values, err := readFile(path)
		if err != nil {
			return nil, err
		}
		l.file = values
	}
	return l.load()
}

func (l *loader) load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.RedisURL = l.getEnvDefault("REDIS_URL", "redis://localhost:6379/0")
	if _, err := url.Parse(cfg.RedisURL); err != nil {
		return nil, fmt.Errorf("CLIPSAFE_REDIS_URL: %w", err)
	}
	cfg.KeyPrefix = l.getEnvDefault("KEY_PREFIX", "clipsafe")

	cfg.StorageRoot = l.getEnvDefault("STORAGE_ROOT", "./data")
	cfg.TempRoot = l.getEnvDefault("TEMP_ROOT", "./data/tmp")

	cfg.ResultTTL, err = l.getEnvDuration("RESULT_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	if cfg.ResultTTL <= 0 {
		return nil, fmt.Errorf("CLIPSAFE_RESULT_TTL: значение должно быть положительным")
	}

	cfg.GCInterval, err = l.getEnvDuration("GC_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	if cfg.GCInterval <= 0 {
		return nil, fmt.Errorf("CLIPSAFE_GC_INTERVAL: значение должно быть положительным")
	}

	cfg.JobsPerHour, err = l.getEnvInt("JOBS_PER_HOUR", 5)
	if err != nil {
		return nil, err
	}
	if cfg.JobsPerHour <= 0 {
		return nil, fmt.Errorf("CLIPSAFE_JOBS_PER_HOUR: значение должно быть положительным")
	}
	cfg.RateWindow, err = l.getEnvDuration("RATE_WINDOW", time.Hour)
	if err != nil {
		return nil, err
	}
	if cfg.RateWindow <= 0 {
		return nil, fmt.Errorf("CLIPSAFE_RATE_WINDOW: значение должно быть положительным")
	}

	// CLIPSAFE_MAX_FILE_GB — размер в гигабайтах (по умолчанию 2)
	maxGB, err := l.getEnvInt64("MAX_FILE_GB", 2)
	if err != nil {
		return nil, err
	}
	if maxGB <= 0 {
		return nil, fmt.Errorf("CLIPSAFE_MAX_FILE_GB: значение должно быть положительным")
	}
	cfg.MaxFileSize = maxGB * 1024 * 1024 * 1024
	cfg.AllowedDomains = l.getEnvList("ALLOWED_DOMAINS")

	cfg.PublicBaseURL = l.getEnvDefault("PUBLIC_BASE_URL", "")
	cfg.S3Endpoint = l.getEnvDefault("S3_ENDPOINT", "")
	cfg.S3Bucket = l.getEnvDefault("S3_BUCKET", "")
	cfg.S3AccessKey = l.getEnvDefault("S3_ACCESS_KEY", "")
	cfg.S3SecretKey = l.getEnvDefault("S3_SECRET_KEY", "")
	cfg.S3Region = l.getEnvDefault("S3_REGION", "us-east-1")
	cfg.S3PublicBase = l.getEnvDefault("S3_PUBLIC_BASE", "")
	cfg.S3UseSSL, err = l.getEnvBool("S3_USE_SSL", true)
	if err != nil {
		return nil, err
	}

	cfg.BotToken = l.getEnvDefault("BOT_TOKEN", "")
	cfg.BotAPIURL = l.getEnvDefault("BOT_API_URL", "https://api.telegram.org")

	cfg.FFmpegPath = l.getEnvDefault("FFMPEG_PATH", "ffmpeg")
	cfg.FFprobePath = l.getEnvDefault("FFPROBE_PATH", "ffprobe")
	cfg.FFmpegTimeout, err = l.getEnvDuration("FFMPEG_TIMEOUT", 600*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.DownloadTimeout, err = l.getEnvDuration("DOWNLOAD_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.DownloadRetries, err = l.getEnvInt("DOWNLOAD_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	if cfg.DownloadRetries < 1 {
		return nil, fmt.Errorf("CLIPSAFE_DOWNLOAD_RETRIES: значение должно быть >= 1")
	}

	cfg.PollTimeout, err = l.getEnvDuration("POLL_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	if cfg.PollTimeout < time.Second {
		return nil, fmt.Errorf("CLIPSAFE_POLL_TIMEOUT: значение должно быть >= 1s")
	}
	cfg.WorkerCount, err = l.getEnvInt("WORKER_COUNT", 1)
	if err != nil {
		return nil, err
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("CLIPSAFE_WORKER_COUNT: значение должно быть >= 1")
	}

	cfg.APIPort, err = l.getEnvInt("API_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.WorkerPort, err = l.getEnvInt("WORKER_PORT", 8081)
	if err != nil {
		return nil, err
	}
	for name, port := range map[string]int{"API_PORT": cfg.APIPort, "WORKER_PORT": cfg.WorkerPort} {
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("CLIPSAFE_%s: значение %d вне допустимого диапазона 1-65535", name, port)
		}
	}

	cfg.JWKSUrl = l.getEnvDefault("JWKS_URL", "")
	cfg.JWTLeeway, err = l.getEnvDuration("JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.CORSOrigins = l.getEnvList("CORS_ORIGINS")
	cfg.APIRPS, err = l.getEnvFloat("API_RPS", 20)
	if err != nil {
		return nil, err
	}
	cfg.APIBurst, err = l.getEnvInt("API_BURST", 40)
	if err != nil {
		return nil, err
	}
	cfg.JobCacheSize, err = l.getEnvInt("JOB_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	cfg.JobCacheTTL, err = l.getEnvDuration("JOB_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg.DatabaseURL = l.getEnvDefault("DATABASE_URL", "")

	cfg.LogLevel, err = parseLogLevel(l.getEnvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CLIPSAFE_LOG_LEVEL: %w", err)
	}
	cfg.LogFormat = l.getEnvDefault("LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CLIPSAFE_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.DephealthCheckInterval, err = l.getEnvDuration("DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.DephealthGroup = l.getEnvDefault("DEPHEALTH_GROUP", "clipsafe")

	cfg.ShutdownTimeout, err = l.getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// readFile читает плоский YAML-файл вида "redis_url: ...".
// Ключи приводятся к именам переменных окружения без префикса.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла конфигурации %s: %w", path, err)
	}
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора файла конфигурации %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		switch tv := v.(type) {
		case []any:
			parts := make([]string, 0, len(tv))
			for _, item := range tv {
				parts = append(parts, fmt.Sprint(item))
			}
			values[key] = strings.Join(parts, ",")
		case nil:
		default:
			values[key] = fmt.Sprint(tv)
		}
	}
	return values, nil
}

// lookup возвращает значение ключа (без префикса) из окружения или файла.
func (l *loader) lookup(key string) string {
	if val := os.Getenv(envPrefix + key); val != "" {
		return val
	}
	return l.file[key]
}

// getEnvDefault возвращает значение параметра или значение по умолчанию.
func (l *loader) getEnvDefault(key, defaultVal string) string {
	val := l.lookup(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение параметра или значение по умолчанию.
func (l *loader) getEnvInt(key string, defaultVal int) (int, error) {
	val := l.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s%s: некорректное целое число: %q", envPrefix, key, val)
	}
	return n, nil
}

// getEnvInt64 возвращает int64 значение параметра или значение по умолчанию.
func (l *loader) getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := l.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: некорректное целое число: %q", envPrefix, key, val)
	}
	return n, nil
}

func (l *loader) getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := l.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s%s: некорректное число: %q", envPrefix, key, val)
	}
	return f, nil
}

// getEnvBool возвращает булево значение параметра или значение по умолчанию.
func (l *loader) getEnvBool(key string, defaultVal bool) (bool, error) {
	val := l.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s%s: некорректное булево значение: %q", envPrefix, key, val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration параметра или значение по умолчанию.
func (l *loader) getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := l.lookup(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s%s: некорректная длительность: %q (используйте формат Go: 30s, 1h, 6h)", envPrefix, key, val)
	}
	return d, nil
}

// getEnvList разбирает список через запятую, пустые элементы отбрасываются.
func (l *loader) getEnvList(key string) []string {
	val := l.lookup(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
