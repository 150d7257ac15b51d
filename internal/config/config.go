package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	// Responder backends, preferred first. Each speaks the OpenAI-style
	// chat completions shape.
	CloudLLMURL   string
	CloudLLMKey   string
	CloudLLMModel string
	LocalLLMURL   string
	LocalLLMModel string

	// Text-to-speech backends.
	TTSBackendURL string
	TTSBackendKey string
	TTSVoice      string
	TTSSpeed      float64
	DeepgramKey   string
	DeepgramModel string

	// Streaming speech recognition backend (server-side capture path).
	STTWebSocketURL string
	STTKey          string
	Locale          string

	// Persistence mirror.
	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
	SnapshotPath   string

	// Telephony webhook surface.
	TwilioAuthToken string

	// Orchestration tunables.
	SilenceWindow  time.Duration
	SendCooldown   time.Duration
	HeartbeatEvery time.Duration
	SummaryTimeout time.Duration
	SpeakTimeout   time.Duration
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	cloudURL := os.Getenv("CLOUD_LLM_URL")
	if cloudURL == "" {
		cloudURL = "https://api.groq.com/openai/v1/chat/completions"
	}
	cloudKey := os.Getenv("CLOUD_LLM_API_KEY")
	if cloudKey == "" {
		log.Println("Warning: CLOUD_LLM_API_KEY not set - cloud responder tier disabled")
	}
	cloudModel := os.Getenv("CLOUD_LLM_MODEL")
	if cloudModel == "" {
		cloudModel = "llama-3.3-70b-versatile"
	}

	localURL := os.Getenv("LOCAL_LLM_URL")
	localModel := os.Getenv("LOCAL_LLM_MODEL")
	if localModel == "" {
		localModel = "local"
	}

	ttsURL := os.Getenv("TTS_BACKEND_URL")
	ttsKey := os.Getenv("TTS_BACKEND_KEY")
	if ttsURL == "" {
		log.Println("Warning: TTS_BACKEND_URL not set - primary TTS disabled")
	}
	ttsVoice := os.Getenv("TTS_VOICE")
	if ttsVoice == "" {
		ttsVoice = "autumn"
	}

	dgKey := os.Getenv("DEEPGRAM_API_KEY")
	dgModel := os.Getenv("DEEPGRAM_MODEL")
	if dgModel == "" {
		dgModel = "aura-2-thalia-en"
	}

	locale := os.Getenv("CALL_LOCALE")
	if locale == "" {
		locale = "en-US"
	}

	supaURL := os.Getenv("SUPABASE_URL")
	supaKey := os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	supaBucket := os.Getenv("SUPABASE_BUCKET")
	if supaBucket == "" {
		supaBucket = "call-history"
	}
	snapshot := os.Getenv("CALL_SNAPSHOT_PATH")

	log.Printf("config: HTTP_ADDRESS=%s", addr)
	return Config{
		HTTPAddress:     addr,
		CloudLLMURL:     cloudURL,
		CloudLLMKey:     cloudKey,
		CloudLLMModel:   cloudModel,
		LocalLLMURL:     localURL,
		LocalLLMModel:   localModel,
		TTSBackendURL:   ttsURL,
		TTSBackendKey:   ttsKey,
		TTSVoice:        ttsVoice,
		TTSSpeed:        envFloat("TTS_SPEED", 1.0),
		DeepgramKey:     dgKey,
		DeepgramModel:   dgModel,
		STTWebSocketURL: os.Getenv("STT_WS_URL"),
		STTKey:          os.Getenv("STT_API_KEY"),
		Locale:          locale,
		SupabaseURL:     supaURL,
		SupabaseKey:     supaKey,
		SupabaseBucket:  supaBucket,
		SnapshotPath:    snapshot,
		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		SilenceWindow:   envDuration("SILENCE_WINDOW_MS", 800*time.Millisecond),
		SendCooldown:    envDuration("SEND_COOLDOWN_MS", 1500*time.Millisecond),
		HeartbeatEvery:  envDuration("HEARTBEAT_MS", 30*time.Second),
		SummaryTimeout:  envDuration("SUMMARY_TIMEOUT_MS", 40*time.Second),
		SpeakTimeout:    envDuration("SPEAK_TIMEOUT_MS", 45*time.Second),
	}
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return def
	}
	return f
}
