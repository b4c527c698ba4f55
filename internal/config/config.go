package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/devblac/solana-event-reader/internal/event"
	"github.com/devblac/solana-event-reader/internal/filter"
	"github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version  int          `yaml:"version"`
	Global   GlobalConfig `yaml:"global"`
	Parser   ParserConfig `yaml:"parser"`
	Retry    RetryConfig  `yaml:"retry"`
	Sources  []Source     `yaml:"sources"`
	Accounts []Account    `yaml:"accounts"`
	Events   []Event      `yaml:"events"`
	// Instructions declares program instructions decoded from instruction data.
	Instructions []Instruction `yaml:"instructions"`
	Sinks        []Sink        `yaml:"sinks"`
}

type GlobalConfig struct {
	DBPath         string        `yaml:"db_path"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Commitment     string        `yaml:"commitment"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
	ReportQueue    int           `yaml:"report_queue"`
}

type ParserConfig struct {
	Strict  bool `yaml:"strict"`
	Workers int  `yaml:"workers"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type Source struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	RPCURL     string `yaml:"rpc_url"`
	WSURL      string `yaml:"ws_url"`
	Commitment string `yaml:"commitment"`
}

type Account struct {
	ID               string        `yaml:"id"`
	Source           string        `yaml:"source"`
	Address          string        `yaml:"address"`
	Start            string        `yaml:"start"`
	BatchSize        int           `yaml:"batch_size"`
	PageLimit        int           `yaml:"page_limit"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	IncludeFailed    bool          `yaml:"include_failed"`
	Live             bool          `yaml:"live"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	Sinks            []string      `yaml:"sinks"`
	Where            []string      `yaml:"where"`
}

type Field struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type Event struct {
	Name          string  `yaml:"name"`
	Program       string  `yaml:"program"`
	Discriminator string  `yaml:"discriminator"`
	Fields        []Field `yaml:"fields"`
}

type Instruction struct {
	Name          string   `yaml:"name"`
	Program       string   `yaml:"program"`
	Discriminator string   `yaml:"discriminator"`
	Accounts      []string `yaml:"accounts"`
	Fields        []Field  `yaml:"fields"`
}

type Dedupe struct {
	TTL time.Duration `yaml:"ttl"`
}

type Sink struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	WebhookURL string            `yaml:"webhook_url"`
	Template   string            `yaml:"template"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
	Path       string            `yaml:"path"`
	DSN        string            `yaml:"dsn"`
	Table      string            `yaml:"table"`
	Addr       string            `yaml:"addr"`
	Password   string            `yaml:"password"`
	DB         int               `yaml:"db"`
	Stream     string            `yaml:"stream"`
	MaxLen     int64             `yaml:"max_len"`
	Dedupe     *Dedupe           `yaml:"dedupe,omitempty"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	return Parse([]byte(interpolated))
}

// Parse decodes and validates an already interpolated document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Global.DBPath == "" {
		c.Global.DBPath = "event-reader.db"
	}
	if c.Global.PollInterval == 0 {
		c.Global.PollInterval = 5 * time.Second
	}
	if c.Global.Commitment == "" {
		c.Global.Commitment = "confirmed"
	}
	for i := range c.Sources {
		if c.Sources[i].Commitment == "" {
			c.Sources[i].Commitment = c.Global.Commitment
		}
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.ID == "" {
			a.ID = a.Address
		}
		if a.Start == "" {
			a.Start = "latest"
		}
		if a.PollInterval == 0 {
			a.PollInterval = c.Global.PollInterval
		}
	}
	for i := range c.Sinks {
		if strings.EqualFold(c.Sinks[i].Type, "webhook") && c.Sinks[i].Method == "" {
			c.Sinks[i].Method = "POST"
		}
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Sources) == 0 {
		return errors.New("at least one source is required")
	}
	if len(c.Accounts) == 0 {
		return errors.New("at least one account is required")
	}
	if len(c.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	if !validCommitment(c.Global.Commitment) {
		return fmt.Errorf("global.commitment: unsupported value %q", c.Global.Commitment)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}

	sourceIDs := map[string]struct{}{}
	for _, s := range c.Sources {
		if _, exists := sourceIDs[s.ID]; exists {
			return fmt.Errorf("duplicate source id: %s", s.ID)
		}
		sourceIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
	}

	sinkIDs := map[string]*Sink{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = s
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	accountIDs := map[string]struct{}{}
	for _, a := range c.Accounts {
		if _, exists := accountIDs[a.ID]; exists {
			return fmt.Errorf("duplicate account id: %s", a.ID)
		}
		accountIDs[a.ID] = struct{}{}
		if err := a.Validate(sourceIDs, sinkIDs); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
	}

	if _, err := c.Registry(); err != nil {
		return err
	}
	if _, err := c.InstructionRegistry(); err != nil {
		return err
	}
	return nil
}

func validCommitment(c string) bool {
	switch c {
	case "processed", "confirmed", "finalized":
		return true
	}
	return false
}

func (r *RetryConfig) Validate() error {
	if r.MaxAttempts < 0 {
		return errors.New("max_attempts must not be negative")
	}
	if r.BaseDelay < 0 || r.MaxDelay < 0 {
		return errors.New("delays must not be negative")
	}
	if r.MaxDelay > 0 && r.BaseDelay > r.MaxDelay {
		return errors.New("base_delay exceeds max_delay")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		return errors.New("multiplier must be at least 1")
	}
	return nil
}

func (s *Source) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	switch strings.ToLower(s.Type) {
	case "solana":
		if s.RPCURL == "" {
			return errors.New("rpc_url is required for solana sources")
		}
	default:
		return fmt.Errorf("unsupported source type: %s", s.Type)
	}
	if !validCommitment(s.Commitment) {
		return fmt.Errorf("unsupported commitment %q", s.Commitment)
	}
	if s.WSURL != "" {
		u, err := url.Parse(s.WSURL)
		if err != nil {
			return fmt.Errorf("ws_url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("ws_url must use ws or wss, got %q", u.Scheme)
		}
	}
	return nil
}

func (a *Account) Validate(sourceIDs map[string]struct{}, sinkIDs map[string]*Sink) error {
	if a.Address == "" {
		return errors.New("address is required")
	}
	if _, err := solana.PublicKeyFromBase58(a.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}
	if a.Source == "" {
		return errors.New("source is required")
	}
	if _, ok := sourceIDs[a.Source]; !ok {
		return fmt.Errorf("unknown source: %s", a.Source)
	}

	switch a.Start {
	case "latest", "genesis":
	default:
		if _, err := solana.SignatureFromBase58(a.Start); err != nil {
			return fmt.Errorf("start must be latest, genesis or a signature: %w", err)
		}
	}
	if a.BatchSize < 0 || a.PageLimit < 0 || a.FetchConcurrency < 0 {
		return errors.New("batch_size, page_limit and fetch_concurrency must not be negative")
	}
	if a.PageLimit > 1000 {
		return errors.New("page_limit must be at most 1000")
	}

	if len(a.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}
	for _, sinkID := range a.Sinks {
		if _, ok := sinkIDs[sinkID]; !ok {
			return fmt.Errorf("unknown sink: %s", sinkID)
		}
	}
	if _, err := filter.Compile(a.Where); err != nil {
		return fmt.Errorf("where: %w", err)
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
	case "jsonl":
		if s.Path == "" {
			return errors.New("path is required for jsonl sink")
		}
	case "postgres":
		if s.DSN == "" {
			return errors.New("dsn is required for postgres sink")
		}
	case "redis":
		if s.Addr == "" {
			return errors.New("addr is required for redis sink")
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	if s.Dedupe != nil && s.Dedupe.TTL <= 0 {
		return errors.New("dedupe.ttl must be positive when dedupe is set")
	}
	return nil
}

// Registry builds the event registry from the events section. Events
// without a discriminator use the Anchor one derived from their name.
func (c *Config) Registry() (*event.MapRegistry, error) {
	reg := event.NewMapRegistry()
	for _, e := range c.Events {
		if e.Name == "" {
			return nil, errors.New("event name is required")
		}
		if e.Program != "" {
			if _, err := solana.PublicKeyFromBase58(e.Program); err != nil {
				return nil, fmt.Errorf("event %s: program: %w", e.Name, err)
			}
		}
		d := event.AnchorDiscriminator(e.Name)
		if e.Discriminator != "" {
			var err error
			if d, err = event.ParseDiscriminator(e.Discriminator); err != nil {
				return nil, fmt.Errorf("event %s: %w", e.Name, err)
			}
		}
		fields := make([]event.Field, len(e.Fields))
		for i, f := range e.Fields {
			fields[i] = event.Field{Name: f.Name, Type: f.Type}
		}
		decode, err := event.CompileFields(fields)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", e.Name, err)
		}
		if err := reg.Register(d, event.Schema{Name: e.Name, Program: e.Program, Decode: decode}); err != nil {
			return nil, fmt.Errorf("event %s: %w", e.Name, err)
		}
	}
	return reg, nil
}

// InstructionRegistry builds the instruction registry from the instructions
// section. Instructions without a discriminator use the Anchor one derived
// from their name; instructions without fields decode to an empty map.
func (c *Config) InstructionRegistry() (*event.InstructionRegistry, error) {
	reg := event.NewInstructionRegistry()
	for _, ix := range c.Instructions {
		if ix.Name == "" {
			return nil, errors.New("instruction name is required")
		}
		if _, err := solana.PublicKeyFromBase58(ix.Program); err != nil {
			return nil, fmt.Errorf("instruction %s: program: %w", ix.Name, err)
		}
		d := event.InstructionDiscriminator(ix.Name)
		if ix.Discriminator != "" {
			var err error
			if d, err = event.ParseDiscriminator(ix.Discriminator); err != nil {
				return nil, fmt.Errorf("instruction %s: %w", ix.Name, err)
			}
		}
		seen := map[string]struct{}{}
		for _, a := range ix.Accounts {
			if a == "" {
				return nil, fmt.Errorf("instruction %s: account name required", ix.Name)
			}
			if _, dup := seen[a]; dup {
				return nil, fmt.Errorf("instruction %s: duplicate account %s", ix.Name, a)
			}
			seen[a] = struct{}{}
		}
		var decode event.DecodeFunc = func([]byte) (any, error) { return map[string]any{}, nil }
		if len(ix.Fields) > 0 {
			fields := make([]event.Field, len(ix.Fields))
			for i, f := range ix.Fields {
				fields[i] = event.Field{Name: f.Name, Type: f.Type}
			}
			var err error
			if decode, err = event.CompileFields(fields); err != nil {
				return nil, fmt.Errorf("instruction %s: %w", ix.Name, err)
			}
		}
		schema := event.InstructionSchema{Name: ix.Name, Program: ix.Program, Accounts: ix.Accounts, Decode: decode}
		if err := reg.Register(d, schema); err != nil {
			return nil, fmt.Errorf("instruction %s: %w", ix.Name, err)
		}
	}
	return reg, nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
