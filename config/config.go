package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var validate = validator.New()

// ValidationError reports the first field that failed validation.
type ValidationError struct {
	Field string
	Value any
	Rule  string
}

func (e *ValidationError) Error() string {
	if e.Field == "Port" {
		return fmt.Sprintf("invalid port %v: must be between 1024 and 65535", e.Value)
	}
	return fmt.Sprintf("invalid %s %q: failed %s", strings.ToLower(e.Field), fmt.Sprint(e.Value), e.Rule)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// Server holds the relay server settings. Environment variables are read
// first, command-line flags override them.
type Server struct {
	Address        string        `env:"CHAT_ADDRESS" validate:"omitempty,hostname_rfc1123|ip"`
	Port           int           `env:"CHAT_PORT,default=7777" validate:"gt=1023,lt=65536"`
	Store          string        `env:"CHAT_STORE,default=sqlite" validate:"oneof=sqlite badger"`
	DBPath         string        `env:"CHAT_DB_PATH,default=chat.db" validate:"required"`
	PollTimeout    time.Duration `env:"CHAT_POLL_TIMEOUT,default=500ms" validate:"gt=0"`
	WriteTimeout   time.Duration `env:"CHAT_WRITE_TIMEOUT,default=10s" validate:"gt=0"`
	OutboundBuffer int           `env:"CHAT_OUTBOUND_BUFFER,default=64" validate:"gt=0"`
	ControlSocket  string        `env:"CHAT_CONTROL_SOCKET,default=/tmp/chatrelay.sock"`
	MetricsAddress string        `env:"CHAT_METRICS_ADDRESS"`
	LogLevel       string        `env:"CHAT_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	LogFile        string        `env:"CHAT_LOG_FILE"`
}

// Client holds the console client settings.
type Client struct {
	Address     string        `env:"CHAT_SERVER_ADDRESS,default=127.0.0.1" validate:"required,hostname_rfc1123|ip"`
	Port        int           `env:"CHAT_SERVER_PORT,default=7777" validate:"gt=1023,lt=65536"`
	Name        string        `env:"CHAT_ACCOUNT_NAME" validate:"omitempty,max=64"`
	Password    string        `env:"CHAT_PASSWORD"`
	SettleDelay time.Duration `env:"CHAT_SETTLE_DELAY,default=500ms" validate:"gte=0"`
	LogLevel    string        `env:"CHAT_LOG_LEVEL,default=INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	LogFile     string        `env:"CHAT_LOG_FILE,default=chatclient.log"`
	Colours     bool          `env:"CHAT_COLOURS,default=true"`
}

func DefaultServer() *Server {
	return &Server{
		Port:           7777,
		Store:          "sqlite",
		DBPath:         "chat.db",
		PollTimeout:    500 * time.Millisecond,
		WriteTimeout:   10 * time.Second,
		OutboundBuffer: 64,
		ControlSocket:  "/tmp/chatrelay.sock",
		LogLevel:       "INFO",
	}
}

func DefaultClient() *Client {
	return &Client{
		Address:     "127.0.0.1",
		Port:        7777,
		SettleDelay: 500 * time.Millisecond,
		LogLevel:    "INFO",
		LogFile:     "chatclient.log",
		Colours:     true,
	}
}

// LoadDotEnv loads a .env file from the working directory when present.
func LoadDotEnv() {
	_ = godotenv.Load()
}

// LoadServer reads the server settings from the process environment.
func LoadServer() (*Server, error) {
	var cfg Server
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// ServerFromEnv reads the server settings from an explicit variable set.
func ServerFromEnv(es env.EnvSet) (*Server, error) {
	var cfg Server
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// LoadClient reads the client settings from the process environment.
func LoadClient() (*Client, error) {
	var cfg Client
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// ClientFromEnv reads the client settings from an explicit variable set.
func ClientFromEnv(es env.EnvSet) (*Client, error) {
	var cfg Client
	if err := env.Unmarshal(es, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func (c *Server) Validate() error {
	return check(c)
}

func (c *Client) Validate() error {
	return check(c)
}

// ListenAddress is the host:port the server binds to.
func (c *Server) ListenAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// ServerAddress is the host:port the client dials.
func (c *Client) ServerAddress() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func check(cfg any) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{Field: fe.Field(), Value: fe.Value(), Rule: fe.Tag()}
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
}
