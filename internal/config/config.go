// Package config loads client and server settings from the environment
// (optionally seeded from a .env file) and command-line flags. Flags win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/johnnynu/chaosfiles/internal/upload"
)

// Client configures the command-line uploader.
type Client struct {
	APIBaseURL      string
	Token           string
	PartConcurrency int
	FileConcurrency int
	RequestTimeout  time.Duration
	VerifyETags     bool
	LogLevel        logrus.Level
}

// Server configures the reference upload backend.
type Server struct {
	Addr            string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
	MaxFileSize     int64
	PutURLExpiry    time.Duration
	PartURLExpiry   time.Duration
	// Tokens maps accepted bearer tokens to user ids.
	Tokens   map[string]string
	LogLevel logrus.Level
}

// LoadClient reads the client configuration. It returns the positional
// arguments left after flag parsing.
func LoadClient(args []string) (Client, []string, error) {
	if err := loadDotEnv(); err != nil {
		return Client{}, nil, err
	}

	flags := pflag.NewFlagSet("chaosfiles", pflag.ContinueOnError)
	apiURL := flags.String("api-url", os.Getenv("CHAOSFILES_API_URL"), "base URL of the upload API")
	token := flags.String("token", os.Getenv("CHAOSFILES_TOKEN"), "bearer token for the upload API")
	partConcurrency := flags.Int("part-concurrency", envInt("CHAOSFILES_PART_CONCURRENCY", upload.DefaultConcurrency()), "maximum parallel part uploads per file")
	fileConcurrency := flags.Int("file-concurrency", envInt("CHAOSFILES_FILE_CONCURRENCY", 1), "maximum files uploaded at once")
	timeout := flags.Duration("request-timeout", envDuration("CHAOSFILES_REQUEST_TIMEOUT", 10*time.Minute), "timeout for a single HTTP request")
	verify := flags.Bool("verify-etags", envBool("CHAOSFILES_VERIFY_ETAGS", false), "compare part MD5 with the returned ETag")
	level := flags.String("log-level", envString("CHAOSFILES_LOG_LEVEL", "info"), "log level")

	if err := flags.Parse(args); err != nil {
		return Client{}, nil, err
	}

	lvl, err := logrus.ParseLevel(*level)
	if err != nil {
		return Client{}, nil, err
	}

	cfg := Client{
		APIBaseURL:      *apiURL,
		Token:           *token,
		PartConcurrency: *partConcurrency,
		FileConcurrency: *fileConcurrency,
		RequestTimeout:  *timeout,
		VerifyETags:     *verify,
		LogLevel:        lvl,
	}
	if err := cfg.Validate(); err != nil {
		return Client{}, nil, err
	}
	return cfg, flags.Args(), nil
}

func (c Client) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("api url is required")
	}
	if c.PartConcurrency < 1 {
		return fmt.Errorf("part concurrency must be positive, got %d", c.PartConcurrency)
	}
	if c.FileConcurrency < 1 {
		return fmt.Errorf("file concurrency must be positive, got %d", c.FileConcurrency)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %v", c.RequestTimeout)
	}
	return nil
}

// LoadServer reads the backend configuration. AWS credentials use the
// standard AWS_* variable names.
func LoadServer(args []string) (Server, error) {
	if err := loadDotEnv(); err != nil {
		return Server{}, err
	}

	flags := pflag.NewFlagSet("chaosfiles-server", pflag.ContinueOnError)
	addr := flags.String("addr", envString("CHAOSFILES_ADDR", ":4000"), "listen address")
	bucket := flags.String("bucket", os.Getenv("AWS_BUCKET_NAME"), "S3 bucket for uploaded files")
	region := flags.String("region", envString("AWS_REGION", "us-west-2"), "S3 region")
	endpoint := flags.String("endpoint", os.Getenv("AWS_ENDPOINT"), "custom S3 endpoint")
	pathStyle := flags.Bool("path-style", envBool("AWS_S3_FORCE_PATH_STYLE", true), "use path-style bucket addressing")
	maxSize := flags.String("max-file-size", envString("CHAOSFILES_MAX_FILE_SIZE", "1TiB"), "largest accepted file")
	putExpiry := flags.Duration("put-url-expiry", envDuration("CHAOSFILES_PUT_URL_EXPIRY", 15*time.Minute), "lifetime of single-part upload URLs")
	partExpiry := flags.Duration("part-url-expiry", envDuration("CHAOSFILES_PART_URL_EXPIRY", 24*time.Hour), "lifetime of part upload URLs")
	tokens := flags.StringToString("api-tokens", envPairs("CHAOSFILES_API_TOKENS"), "accepted bearer tokens as token=user pairs")
	level := flags.String("log-level", envString("CHAOSFILES_LOG_LEVEL", "info"), "log level")

	if err := flags.Parse(args); err != nil {
		return Server{}, err
	}

	max, err := units.RAMInBytes(*maxSize)
	if err != nil {
		return Server{}, fmt.Errorf("parse max file size: %w", err)
	}
	lvl, err := logrus.ParseLevel(*level)
	if err != nil {
		return Server{}, err
	}

	cfg := Server{
		Addr:            *addr,
		Bucket:          *bucket,
		Region:          *region,
		Endpoint:        *endpoint,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		ForcePathStyle:  *pathStyle,
		MaxFileSize:     max,
		PutURLExpiry:    *putExpiry,
		PartURLExpiry:   *partExpiry,
		Tokens:          *tokens,
		LogLevel:        lvl,
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) Validate() error {
	if c.Bucket == "" {
		return errors.New("bucket is required")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.PutURLExpiry <= 0 || c.PartURLExpiry <= 0 {
		return errors.New("url expiry must be positive")
	}
	if len(c.Tokens) == 0 {
		return errors.New("at least one api token is required")
	}
	for token, user := range c.Tokens {
		if token == "" || user == "" {
			return fmt.Errorf("api token %q has an empty token or user", token)
		}
	}
	return nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// envPairs parses "k1=v1,k2=v2".
func envPairs(key string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(os.Getenv(key), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok {
			out[k] = v
		}
	}
	return out
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envBool(key string, def bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
