package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is wrapped by Load when the file is missing. The returned
// Config is still fully populated with defaults.
var ErrConfigNotFound = errors.New("config file not found")

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string                    `yaml:"runtime_name"`
	Environment  string                    `yaml:"environment"`
	HTTP         HTTPConfig                `yaml:"http"`
	Telemetry    TelemetryConfig           `yaml:"telemetry"`
	Bus          BusConfig                 `yaml:"bus"`
	EventStore   EventStoreConfig          `yaml:"event_store"`
	Provider     string                    `yaml:"provider"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	LLM          LLMConfig                 `yaml:"llm"`
	TTS          TTSConfig                 `yaml:"tts"`
	Playback     PlaybackConfig            `yaml:"playback"`
	AudioDevices AudioDevicesConfig        `yaml:"audio_devices"`
	ASR          ASRConfig                 `yaml:"asr"`
	Animation    AnimationConfig           `yaml:"animation"`
	Conversation ConversationConfig        `yaml:"conversation"`
	Personality  PersonalityConfig         `yaml:"personality"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ProviderConfig describes one language-model endpoint.
type ProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

type LLMConfig struct {
	Backend          string `yaml:"backend"` // openai, ollama, exec, mock
	Command          string `yaml:"command"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

// TTSConfig carries the GPT-SoVITS voice parameters sent with every request.
type TTSConfig struct {
	ServerURL         string  `yaml:"server_url"`
	TextLang          string  `yaml:"text_lang"`
	RefAudioPath      string  `yaml:"ref_audio_path"`
	PromptText        string  `yaml:"prompt_text"`
	PromptLang        string  `yaml:"prompt_lang"`
	StreamingMode     bool    `yaml:"streaming_mode"`
	ParallelInfer     bool    `yaml:"parallel_infer"`
	MediaType         string  `yaml:"media_type"`
	BatchSize         int     `yaml:"batch_size"`
	TopK              int     `yaml:"top_k"`
	TopP              float64 `yaml:"top_p"`
	Temperature       float64 `yaml:"temperature"`
	TextSplitMethod   string  `yaml:"text_split_method"`
	SpeedFactor       float64 `yaml:"speed_factor"`
	FragmentInterval  float64 `yaml:"fragment_interval"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	Seed              int     `yaml:"seed"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	MaxAttempts       int     `yaml:"max_attempts"`
	RetryBackoffMS    int     `yaml:"retry_backoff_ms"`
	ReadChunkBytes    int     `yaml:"read_chunk_bytes"`
}

type PlaybackConfig struct {
	PrebufferSamples   int `yaml:"prebuffer_samples"`
	BlockSize          int `yaml:"block_size"`
	PrebufferTimeoutMS int `yaml:"prebuffer_timeout_ms"`
	PrebufferPollMS    int `yaml:"prebuffer_poll_ms"`
	IdleTimeoutMS      int `yaml:"idle_timeout_ms"`
	PollIntervalMS     int `yaml:"poll_interval_ms"`
	MaxPullAttempts    int `yaml:"max_pull_attempts"`
	DefaultSampleRate  int `yaml:"default_sample_rate"`
}

// AudioDevicesConfig holds the initial device choice. A selection saved by the
// user at SelectionPath takes precedence.
type AudioDevicesConfig struct {
	OutputDeviceIndex *int   `yaml:"device_index"`
	InputDeviceIndex  *int   `yaml:"input_device_id"`
	SelectionPath     string `yaml:"selection_path"`
}

type ASRConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"` // exec, mock
	Command        string `yaml:"command"`
	Model          string `yaml:"model"`
	Device         string `yaml:"device"`
	Language       string `yaml:"language"`
	PushToTalkKey  string `yaml:"push_to_talk_key"`
	SampleRate     int    `yaml:"sample_rate"`
	MaxRecordingMS int    `yaml:"max_recording_ms"`
}

type AnimationConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Bind          string `yaml:"bind"`
	Port          int    `yaml:"port"`
	PortAttempts  int    `yaml:"port_attempts"`
	SendTimeoutMS int    `yaml:"send_timeout_ms"`
	MailboxSize   int    `yaml:"mailbox_size"`
}

type ConversationConfig struct {
	Streaming        bool `yaml:"streaming"`
	HistoryLimit     int  `yaml:"history_limit"`
	MinSentenceChars int  `yaml:"min_sentence_chars"`
	ShutdownWaitMS   int  `yaml:"shutdown_wait_ms"`
	// DrainWaitMS bounds how long quit or a signal waits for queued speech,
	// farewell included, before the worker is told to stop.
	DrainWaitMS      int  `yaml:"drain_wait_ms"`
}

type PersonalityConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
	Greeting     string `yaml:"greeting"`
	Farewell     string `yaml:"farewell"`
	ErrorMessage string `yaml:"error_message"`
}

func Default() Config {
	return Config{
		RuntimeName: "miko",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/miko-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Provider: "ollama",
		Providers: map[string]ProviderConfig{
			"ollama": {
				APIKey:      "ollama",
				BaseURL:     "http://localhost:11434/v1",
				Model:       "hf.co/subsectmusic/qwriko3-4b-instruct-2507:Q4_K_M",
				Temperature: 0.7,
				MaxTokens:   512,
			},
			"openai": {
				BaseURL:     "https://api.openai.com/v1",
				Model:       "gpt-4o-mini",
				Temperature: 0.7,
				MaxTokens:   512,
			},
			"openrouter": {
				BaseURL:     "https://openrouter.ai/api/v1",
				Model:       "meta-llama/llama-3.1-8b-instruct",
				Temperature: 0.7,
				MaxTokens:   512,
			},
			"gemini": {
				BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai/",
				Model:       "gemini-1.5-flash",
				Temperature: 0.7,
				MaxTokens:   512,
			},
		},
		LLM: LLMConfig{
			Backend:          "openai",
			RequestTimeoutMS: 60000,
		},
		TTS: TTSConfig{
			ServerURL:         "http://127.0.0.1:9880",
			TextLang:          "en",
			RefAudioPath:      "main_sample.wav",
			PromptText:        "This is a sample voice for you to just get started with because it sounds kind of cute, but just make sure this doesn't have long silences.",
			PromptLang:        "en",
			StreamingMode:     true,
			ParallelInfer:     false,
			MediaType:         "wav",
			BatchSize:         1,
			TopK:              5,
			TopP:              1.0,
			Temperature:       1.0,
			TextSplitMethod:   "cut5",
			SpeedFactor:       1.0,
			FragmentInterval:  0.3,
			RepetitionPenalty: 1.35,
			Seed:              -1,
			TimeoutMS:         15000,
			MaxAttempts:       3,
			RetryBackoffMS:    500,
			ReadChunkBytes:    4096,
		},
		Playback: PlaybackConfig{
			PrebufferSamples:   32768,
			BlockSize:          4096,
			PrebufferTimeoutMS: 5000,
			PrebufferPollMS:    500,
			IdleTimeoutMS:      2000,
			PollIntervalMS:     100,
			MaxPullAttempts:    5,
			DefaultSampleRate:  32000,
		},
		AudioDevices: AudioDevicesConfig{
			SelectionPath: "./data/audio_devices.yaml",
		},
		ASR: ASRConfig{
			Enabled:        false,
			Mode:           "exec",
			Model:          "base.en",
			Device:         "cpu",
			Language:       "en",
			PushToTalkKey:  "shift",
			SampleRate:     16000,
			MaxRecordingMS: 30000,
		},
		Animation: AnimationConfig{
			Enabled:       true,
			Bind:          "localhost",
			Port:          8765,
			PortAttempts:  3,
			SendTimeoutMS: 2000,
			MailboxSize:   64,
		},
		Conversation: ConversationConfig{
			Streaming:        true,
			HistoryLimit:     10,
			MinSentenceChars: 15,
			ShutdownWaitMS:   2000,
			DrainWaitMS:      30000,
		},
		Personality: PersonalityConfig{
			Name:         "Miko",
			SystemPrompt: "You are Miko, a cheerful AI VTuber!",
			Greeting:     "Hi everyone! I'm Miko!",
			Farewell:     "Bye bye!",
			ErrorMessage: "Oops! Something went wrong!",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies MIKO_*
// environment overrides and validates the result. A missing file is reported
// as ErrConfigNotFound alongside a usable default Config.
func Load(path string) (Config, error) {
	cfg := Default()

	var notFound error
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			notFound = fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		case err != nil:
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := Parse(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, notFound
}

// Parse decodes YAML over cfg, keeping the default provider entries that the
// document does not mention.
func Parse(data []byte, cfg *Config) error {
	defaults := cfg.Providers
	cfg.Providers = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg.Providers = defaults
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	merged := make(map[string]ProviderConfig, len(defaults)+len(cfg.Providers))
	for name, p := range defaults {
		merged[name] = p
	}
	for name, p := range cfg.Providers {
		base := merged[name]
		merged[name] = mergeProvider(base, p)
	}
	cfg.Providers = merged
	return nil
}

func mergeProvider(base, override ProviderConfig) ProviderConfig {
	if override.APIKey != "" {
		base.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		base.BaseURL = override.BaseURL
	}
	if override.Model != "" {
		base.Model = override.Model
	}
	if override.Temperature != 0 {
		base.Temperature = override.Temperature
	}
	if override.MaxTokens != 0 {
		base.MaxTokens = override.MaxTokens
	}
	return base
}

// ActiveProvider returns the settings for the selected provider.
func (c Config) ActiveProvider() (ProviderConfig, bool) {
	p, ok := c.Providers[c.Provider]
	return p, ok
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "MIKO_RUNTIME_NAME")
	overrideString(&cfg.Environment, "MIKO_RUNTIME_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "MIKO_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "MIKO_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MIKO_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MIKO_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MIKO_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MIKO_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "MIKO_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "MIKO_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MIKO_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MIKO_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "MIKO_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "MIKO_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MIKO_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MIKO_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MIKO_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MIKO_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MIKO_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "MIKO_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "MIKO_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "MIKO_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "MIKO_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "MIKO_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Provider, "MIKO_PROVIDER")
	if p, ok := cfg.Providers[cfg.Provider]; ok {
		overrideString(&p.APIKey, "MIKO_PROVIDER_API_KEY")
		overrideString(&p.BaseURL, "MIKO_PROVIDER_BASE_URL")
		overrideString(&p.Model, "MIKO_PROVIDER_MODEL")
		cfg.Providers[cfg.Provider] = p
	}
	overrideString(&cfg.LLM.Backend, "MIKO_LLM_BACKEND")
	overrideString(&cfg.LLM.Command, "MIKO_LLM_COMMAND")
	overrideInt(&cfg.LLM.RequestTimeoutMS, "MIKO_LLM_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.TTS.ServerURL, "MIKO_TTS_SERVER_URL")
	overrideString(&cfg.TTS.RefAudioPath, "MIKO_TTS_REF_AUDIO_PATH")
	overrideString(&cfg.TTS.PromptText, "MIKO_TTS_PROMPT_TEXT")
	overrideString(&cfg.TTS.TextLang, "MIKO_TTS_TEXT_LANG")
	overrideString(&cfg.TTS.PromptLang, "MIKO_TTS_PROMPT_LANG")
	overrideFloat(&cfg.TTS.SpeedFactor, "MIKO_TTS_SPEED_FACTOR")
	overrideInt(&cfg.TTS.TimeoutMS, "MIKO_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.MaxAttempts, "MIKO_TTS_MAX_ATTEMPTS")
	overrideInt(&cfg.TTS.RetryBackoffMS, "MIKO_TTS_RETRY_BACKOFF_MS")
	overrideIntPtr(&cfg.AudioDevices.OutputDeviceIndex, "MIKO_AUDIO_OUTPUT_DEVICE")
	overrideIntPtr(&cfg.AudioDevices.InputDeviceIndex, "MIKO_AUDIO_INPUT_DEVICE")
	overrideString(&cfg.AudioDevices.SelectionPath, "MIKO_AUDIO_SELECTION_PATH")
	overrideBool(&cfg.ASR.Enabled, "MIKO_ASR_ENABLED")
	overrideString(&cfg.ASR.Mode, "MIKO_ASR_MODE")
	overrideString(&cfg.ASR.Command, "MIKO_ASR_COMMAND")
	overrideString(&cfg.ASR.Model, "MIKO_ASR_MODEL")
	overrideString(&cfg.ASR.Device, "MIKO_ASR_DEVICE")
	overrideString(&cfg.ASR.PushToTalkKey, "MIKO_ASR_PUSH_TO_TALK_KEY")
	overrideBool(&cfg.Animation.Enabled, "MIKO_ANIMATION_ENABLED")
	overrideString(&cfg.Animation.Bind, "MIKO_ANIMATION_BIND")
	overrideInt(&cfg.Animation.Port, "MIKO_ANIMATION_PORT")
	overrideBool(&cfg.Conversation.Streaming, "MIKO_CONVERSATION_STREAMING")
	overrideInt(&cfg.Conversation.HistoryLimit, "MIKO_CONVERSATION_HISTORY_LIMIT")
	overrideString(&cfg.Personality.Name, "MIKO_PERSONALITY_NAME")
	overrideString(&cfg.Personality.SystemPrompt, "MIKO_PERSONALITY_SYSTEM_PROMPT")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

// overrideIntPtr treats "default" (or an empty value) as the system default.
func overrideIntPtr(target **int, envKey string) {
	value, ok := os.LookupEnv(envKey)
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "default") {
		*target = nil
		return
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		*target = &parsed
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// Validate reports every problem found in cfg.
func Validate(cfg Config) error { return validate(cfg) }

func validate(cfg Config) error {
	var errs []error
	if cfg.RuntimeName == "" {
		errs = append(errs, errors.New("runtime_name must not be empty"))
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		errs = append(errs, errors.New("http.port must be between 1 and 65535"))
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				errs = append(errs, errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled"))
			}
		} else if len(cfg.Bus.Servers) == 0 {
			errs = append(errs, errors.New("bus.servers must not be empty when embedded mode is disabled"))
		}
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		errs = append(errs, errors.New("event_store.path must not be empty"))
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		errs = append(errs, errors.New("event_store.retention_mode must be one of ephemeral|session|persistent"))
	}
	if cfg.EventStore.RetentionDays < 0 {
		errs = append(errs, errors.New("event_store.retention_days must be >= 0"))
	}

	switch cfg.LLM.Backend {
	case "openai", "ollama":
		p, ok := cfg.ActiveProvider()
		if !ok {
			errs = append(errs, fmt.Errorf("provider %q has no entry under providers", cfg.Provider))
		} else {
			if p.BaseURL == "" {
				errs = append(errs, fmt.Errorf("providers.%s.base_url must be set", cfg.Provider))
			}
			if p.Model == "" {
				errs = append(errs, fmt.Errorf("providers.%s.model must be set", cfg.Provider))
			}
			if p.MaxTokens < 0 {
				errs = append(errs, fmt.Errorf("providers.%s.max_tokens must be >= 0", cfg.Provider))
			}
		}
	case "exec":
		if cfg.LLM.Command == "" {
			errs = append(errs, errors.New("llm.command must be set when backend=exec"))
		}
	case "mock":
	default:
		errs = append(errs, errors.New("llm.backend must be one of openai|ollama|exec|mock"))
	}

	if cfg.TTS.ServerURL == "" {
		errs = append(errs, errors.New("tts.server_url must not be empty"))
	}
	if cfg.TTS.MediaType != "wav" {
		errs = append(errs, errors.New("tts.media_type must be wav"))
	}
	if cfg.TTS.MaxAttempts <= 0 {
		errs = append(errs, errors.New("tts.max_attempts must be >= 1"))
	}
	if cfg.TTS.RetryBackoffMS < 0 {
		errs = append(errs, errors.New("tts.retry_backoff_ms must be >= 0"))
	}
	if cfg.TTS.ReadChunkBytes <= 0 {
		errs = append(errs, errors.New("tts.read_chunk_bytes must be positive"))
	}

	if cfg.Playback.PrebufferSamples <= 0 {
		errs = append(errs, errors.New("playback.prebuffer_samples must be positive"))
	}
	if cfg.Playback.BlockSize <= 0 {
		errs = append(errs, errors.New("playback.block_size must be positive"))
	}
	if cfg.Playback.IdleTimeoutMS <= 0 || cfg.Playback.PollIntervalMS <= 0 {
		errs = append(errs, errors.New("playback.idle_timeout_ms and playback.poll_interval_ms must be positive"))
	}
	if cfg.Playback.MaxPullAttempts <= 0 {
		errs = append(errs, errors.New("playback.max_pull_attempts must be >= 1"))
	}
	if cfg.Playback.DefaultSampleRate <= 0 {
		errs = append(errs, errors.New("playback.default_sample_rate must be positive"))
	}

	if cfg.ASR.Enabled {
		switch cfg.ASR.Mode {
		case "exec":
			if cfg.ASR.Command == "" {
				errs = append(errs, errors.New("asr.command must be set when mode=exec"))
			}
		case "mock":
		default:
			errs = append(errs, errors.New("asr.mode must be one of exec|mock"))
		}
		if cfg.ASR.SampleRate <= 0 {
			errs = append(errs, errors.New("asr.sample_rate must be positive"))
		}
	}

	if cfg.Animation.Enabled {
		if cfg.Animation.Port <= 0 || cfg.Animation.Port > 65535 {
			errs = append(errs, errors.New("animation.port must be between 1 and 65535"))
		}
		if cfg.Animation.PortAttempts <= 0 {
			errs = append(errs, errors.New("animation.port_attempts must be >= 1"))
		}
	}

	if cfg.Conversation.HistoryLimit <= 0 {
		errs = append(errs, errors.New("conversation.history_limit must be >= 1"))
	}
	if cfg.Conversation.DrainWaitMS < 0 {
		errs = append(errs, errors.New("conversation.drain_wait_ms must be >= 0"))
	}
	return errors.Join(errs...)
}
