package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/crm-ingest/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"crm"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type ContentAPIOptions struct {
	BaseURL string        `env:"CONTENT_API_URL" envDefault:"http://localhost:1337/api"`
	Token   string        `env:"CONTENT_API_TOKEN"`
	Timeout time.Duration `env:"CONTENT_API_TIMEOUT" envDefault:"60s"`
}

type QueueOptions struct {
	PollInterval    time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	BatchSize       int           `env:"QUEUE_BATCH_SIZE" envDefault:"1"`
	LockTTL         time.Duration `env:"QUEUE_LOCK_TTL" envDefault:"10m"`
	MaxAttempts     int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	MaxBackoff      time.Duration `env:"QUEUE_MAX_BACKOFF" envDefault:"60s"`
	LastErrorMaxLen int           `env:"QUEUE_LAST_ERROR_MAX_BYTES" envDefault:"2048"`
}

type ImportOptions struct {
	WorkerCount     int           `env:"IMPORT_WORKER_COUNT" envDefault:"4"`
	JobConcurrency  int           `env:"IMPORT_JOB_CONCURRENCY" envDefault:"2"`
	BulkSize        int           `env:"IMPORT_BULK_SIZE" envDefault:"1000"`
	RelationBulk    int           `env:"IMPORT_RELATION_BULK_SIZE" envDefault:"50"`
	LinkChunkSize   int           `env:"IMPORT_LINK_CHUNK_SIZE" envDefault:"500"`
	ListChunkSize   int           `env:"IMPORT_LIST_CHUNK_SIZE" envDefault:"100"`
	PageSize        int           `env:"MASS_ACTION_PAGE_SIZE" envDefault:"100"`
	PageDelay       time.Duration `env:"MASS_ACTION_PAGE_DELAY" envDefault:"100ms"`
	CooldownBase    time.Duration `env:"IMPORT_BATCH_COOLDOWN" envDefault:"1s"`
	SubscribeChunk  int           `env:"SUBSCRIPTION_CHUNK_SIZE" envDefault:"100"`
	DeleteChunkSize int           `env:"DELETE_CHUNK_SIZE" envDefault:"1000"`
}

type Configuration struct {
	Database   DatabaseOptions
	ContentAPI ContentAPIOptions
	Queue      QueueOptions
	Import     ImportOptions

	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/worker.log"`

	PrometheusEnabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	PrometheusAddr    string `env:"PROMETHEUS_METRICS_ADDR" envDefault:":9180"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	return nil
}

func (c *Configuration) validate() error {
	if c.Import.WorkerCount <= 0 {
		return fmt.Errorf("IMPORT_WORKER_COUNT must be positive, got %d", c.Import.WorkerCount)
	}
	if c.Import.JobConcurrency <= 0 {
		return fmt.Errorf("IMPORT_JOB_CONCURRENCY must be positive, got %d", c.Import.JobConcurrency)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Import.BulkSize <= 0 || c.Import.LinkChunkSize <= 0 {
		return fmt.Errorf("import chunk sizes must be positive")
	}
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
