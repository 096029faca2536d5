package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the domain configuration file inside a workspace.
const FileName = "feecall.yml"

// Keypress actions.
const (
	ActionComplete = "complete"
	ActionEscalate = "escalate"
	ActionReject   = "reject"
)

// maxAnswerTimeout keeps the answer call inside the provider's webhook deadline.
const maxAnswerTimeout = 14 * time.Second

// Config models feecall.yml.
type Config struct {
	Dispatch      DispatchConfig      `yaml:"dispatch" json:"dispatch"`
	Telephony     TelephonyConfig     `yaml:"telephony" json:"telephony"`
	Answer        AnswerConfig        `yaml:"answer" json:"answer"`
	Conversation  ConversationConfig  `yaml:"conversation" json:"conversation"`
	Phrases       PhrasesConfig       `yaml:"phrases" json:"phrases"`
	Escalation    EscalationConfig    `yaml:"escalation" json:"escalation"`
	Messages      Messages            `yaml:"messages" json:"messages"`
	Notifications NotificationsConfig `yaml:"notifications" json:"notifications"`
}

type DispatchConfig struct {
	// Spacing is the minimum gap between the starts of two call placements.
	Spacing time.Duration `yaml:"spacing" json:"spacing"`
	// Cooldown suppresses a contact called within this window. Zero disables it.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

type TelephonyConfig struct {
	PublicBaseURL        string `yaml:"public_base_url" json:"public_base_url"`
	Voice                string `yaml:"voice" json:"voice"`
	Language             string `yaml:"language" json:"language"`
	SpeechTimeout        string `yaml:"speech_timeout" json:"speech_timeout"`
	GatherTimeoutSeconds int    `yaml:"gather_timeout_seconds" json:"gather_timeout_seconds"`
	VerifySignatures     bool   `yaml:"verify_signatures" json:"verify_signatures"`
}

type AnswerConfig struct {
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	Model        string        `yaml:"model" json:"model"`
	Temperature  float32       `yaml:"temperature" json:"temperature"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	MaxWords     int           `yaml:"max_words" json:"max_words"`
	SystemPrompt string        `yaml:"system_prompt" json:"system_prompt"`
}

type ConversationConfig struct {
	MaxQuestions int               `yaml:"max_questions" json:"max_questions"`
	Currency     string            `yaml:"currency" json:"currency"`
	OrgName      string            `yaml:"org_name" json:"org_name"`
	Keypress     map[string]string `yaml:"keypress" json:"keypress"`
}

type PhrasesConfig struct {
	Rejection  []string `yaml:"rejection" json:"rejection"`
	Escalation []string `yaml:"escalation" json:"escalation"`
}

type EscalationConfig struct {
	PreferSameDepartment bool `yaml:"prefer_same_department" json:"prefer_same_department"`
}

// Messages are the lines spoken to the caller. Greeting accepts the
// placeholders {name}, {amount}, {currency}, {org} and {department}.
type Messages struct {
	Greeting          string `yaml:"greeting" json:"greeting"`
	Prompt            string `yaml:"prompt" json:"prompt"`
	AnyOtherQuestions string `yaml:"any_other_questions" json:"any_other_questions"`
	NoInput           string `yaml:"no_input" json:"no_input"`
	Goodbye           string `yaml:"goodbye" json:"goodbye"`
	Rejected          string `yaml:"rejected" json:"rejected"`
	Acknowledged      string `yaml:"acknowledged" json:"acknowledged"`
	Connecting        string `yaml:"connecting" json:"connecting"`
	NoMentor          string `yaml:"no_mentor" json:"no_mentor"`
	Apology           string `yaml:"apology" json:"apology"`
}

type NotificationsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Dispatch.Spacing <= 0 {
		return fmt.Errorf("config.dispatch.spacing must be positive")
	}
	if c.Dispatch.Cooldown < 0 {
		return fmt.Errorf("config.dispatch.cooldown must not be negative")
	}
	if c.Telephony.PublicBaseURL == "" {
		return fmt.Errorf("config.telephony.public_base_url is required")
	}
	u, err := url.Parse(c.Telephony.PublicBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config.telephony.public_base_url must be an absolute url")
	}
	if c.Telephony.GatherTimeoutSeconds <= 0 {
		return fmt.Errorf("config.telephony.gather_timeout_seconds must be positive")
	}
	if c.Answer.Model == "" {
		return fmt.Errorf("config.answer.model is required")
	}
	if c.Answer.Timeout <= 0 || c.Answer.Timeout > maxAnswerTimeout {
		return fmt.Errorf("config.answer.timeout must be between 0 and %s", maxAnswerTimeout)
	}
	if c.Answer.MaxWords <= 0 {
		return fmt.Errorf("config.answer.max_words must be positive")
	}
	if c.Conversation.MaxQuestions <= 0 {
		return fmt.Errorf("config.conversation.max_questions must be positive")
	}
	for digit, action := range c.Conversation.Keypress {
		if len(digit) != 1 || !strings.Contains("0123456789*#", digit) {
			return fmt.Errorf("keypress %q is not a single key", digit)
		}
		switch action {
		case ActionComplete, ActionEscalate, ActionReject:
		default:
			return fmt.Errorf("keypress %s has unknown action %s", digit, action)
		}
	}
	if len(c.Phrases.Rejection) == 0 {
		return fmt.Errorf("config.phrases.rejection is required")
	}
	for _, p := range append(append([]string{}, c.Phrases.Rejection...), c.Phrases.Escalation...) {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("config.phrases contains an empty phrase")
		}
	}
	if c.Messages.Greeting == "" || c.Messages.Apology == "" {
		return fmt.Errorf("config.messages.greeting and config.messages.apology are required")
	}
	for i, hook := range c.Notifications.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.notifications.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with feecall config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	// yaml merges mappings into the default map; a keypress block in the
	// file replaces the defaults instead.
	var overlay struct {
		Conversation struct {
			Keypress map[string]string `yaml:"keypress"`
		} `yaml:"conversation"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if overlay.Conversation.Keypress != nil {
		cfg.Conversation.Keypress = overlay.Conversation.Keypress
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `dispatch:
  spacing: 1.1s
  cooldown: 0s

telephony:
  public_base_url: http://localhost:8080
  voice: Polly.Joanna
  language: en-IN
  speech_timeout: auto
  gather_timeout_seconds: 6
  verify_signatures: false

answer:
  base_url: https://api.groq.com/openai/v1
  model: llama-3.1-8b-instant
  temperature: 0.2
  timeout: 8s
  max_words: 50
  system_prompt: >-
    You are a concise accounts assistant for a fee reminder call.
    Answer within 1-2 short sentences using only the context given.
    If the question needs a human, or you do not know, reply with the single word ESCALATE.

conversation:
  max_questions: 5
  currency: rupees
  org_name: the accounts office
  keypress:
    "1": complete
    "2": escalate
    "9": reject

phrases:
  rejection:
    - "no"
    - stop
    - not interested
    - already paid
    - do not call
    - don't call
  escalation:
    - i don't know
    - not sure
    - unknown

escalation:
  prefer_same_department: false

messages:
  greeting: >-
    Hello {name}. This is a reminder from {org}. Your pending fee is {amount} {currency}.
    Please pay as soon as possible.
  prompt: If you have any question, please speak after the beep, or press 1 to confirm, 2 to talk to a mentor, 9 to stop these calls.
  any_other_questions: Do you have any other questions?
  no_input: We did not receive any input. Goodbye.
  goodbye: Thank you for your time. Goodbye.
  rejected: Understood. We will not bother you further. Goodbye.
  acknowledged: Thank you for confirming. Goodbye.
  connecting: Connecting you to a mentor now. Please hold.
  no_mentor: Sorry, no mentor is available right now. Someone from the accounts office will call you back. Goodbye.
  apology: Sorry, we are unable to continue this call right now. Goodbye.

notifications:
  webhooks: []
`
