package config

// DefaultSystemPrompt is the assistant persona used when ai.systemPrompt is empty.
const DefaultSystemPrompt = "Sen WhatsApp üzerinden erişilebilen yardımcı bir yapay zeka asistanısın. " +
	"Türkçe konuşan kullanıcılara hizmet veriyorsun. " +
	"Samimi, dostça ve yardımsever yanıtlar ver. " +
	"Mesajlarını kısa ve sohbet havasında tut, WhatsApp sohbetine uygun şekilde yaz. " +
	"Konuşmayı daha ilgi çekici hale getirmek için uygun yerlerde emoji kullan. " +
	"Kullanıcıların sorularını anla ve net, faydalı cevaplar sun. " +
	"Türk kültürüne ve Türkiye'deki güncel olaylara aşina ol."

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			AppName:               "WhatsApp AI Bot",
			Environment:           "development",
			LogLevel:              "info",
			LogFormat:             "text",
			DefaultProvider:       "waha",
			MaxConcurrentMessages: 5,
			BusBufferSize:         100,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Providers: ProvidersConfig{
			Meta: MetaConfig{
				APIBase: "https://graph.facebook.com/v21.0",
			},
			Twilio: TwilioConfig{
				APIBase: "https://api.twilio.com/2010-04-01",
			},
			WAHA: WAHAConfig{
				SessionName: "default",
			},
		},
		AI: AIConfig{
			Model:           "gpt-4o-mini",
			MaxTokens:       1000,
			Temperature:     0.7,
			WhisperModel:    "whisper-1",
			VisionModel:     "gpt-4o-mini",
			VisionMaxTokens: 500,
			TimeoutSeconds:  60,
		},
		Security: SecurityConfig{
			RateLimitMessages:      10,
			RateLimitWindowSeconds: 60,
			DedupPolicy:            "reject",
			DedupTTLHours:          24,
		},
		Memory: MemoryConfig{
			DBPath:     "./data/whatsbot.db",
			MaxHistory: 10,
		},
		Media: MediaConfig{
			DownloadTimeoutSeconds: 30,
			MaxSizeMB:              10,
			TempDir:                "./data/temp_media",
			MaxAgeHours:            24,
			MaxDocumentChars:       3000,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
