package config

const (
	defaultDataDir              = "~/.local/share/conveyor"
	defaultLogDir               = "~/.local/share/conveyor/logs"
	defaultLogFormat            = "console"
	defaultLogLevel             = "info"
	defaultQueuePollInterval    = 5
	defaultErrorRetryInterval   = 10
	defaultHeartbeatInterval    = 15
	defaultHeartbeatTimeout     = 120
	defaultMaxConcurrentPhases  = 4
	defaultRetryMaxAttempts     = 4
	defaultRetryBaseDelayMillis = 500
	defaultRetryMaxDelayMillis  = 30000
	defaultRateLimitFloorMillis = 5000
	defaultBreakerThreshold     = 3
	defaultBreakerCooldown      = 30
	defaultBreakerMaxCooldown   = 300
	defaultCacheMemoryCapacity  = 512
	defaultCacheProbeInterval   = 60
	defaultCacheTTLSeconds      = 3600
	defaultNotifyRequestTimeout = 10
)

// Default returns a Config populated with repository defaults, including the
// stock content pipeline graph. Users typically replace the phase and
// provider sections wholesale in their configuration file.
func Default() Config {
	return Config{
		Providers: defaultProviders(),
		Phases:    defaultPhases(),
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Workflow: Workflow{
			QueuePollInterval:   defaultQueuePollInterval,
			ErrorRetryInterval:  defaultErrorRetryInterval,
			HeartbeatInterval:   defaultHeartbeatInterval,
			HeartbeatTimeout:    defaultHeartbeatTimeout,
			MaxConcurrentPhases: defaultMaxConcurrentPhases,
		},
		Retry: Retry{
			MaxAttempts:          defaultRetryMaxAttempts,
			BaseDelayMillis:      defaultRetryBaseDelayMillis,
			MaxDelayMillis:       defaultRetryMaxDelayMillis,
			RateLimitFloorMillis: defaultRateLimitFloorMillis,
		},
		BreakerDefault: Breaker{
			FailureThreshold:   defaultBreakerThreshold,
			CooldownSeconds:    defaultBreakerCooldown,
			MaxCooldownSeconds: defaultBreakerMaxCooldown,
		},
		Cache: Cache{
			MemoryCapacity:       defaultCacheMemoryCapacity,
			ProbeIntervalSeconds: defaultCacheProbeInterval,
			DefaultTTLSeconds:    defaultCacheTTLSeconds,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Runs:           true,
			Errors:         true,
			QueueDrained:   true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

func defaultProviders() map[string]Provider {
	return map[string]Provider{
		"source":    {BaseURL: "http://localhost:8081", TimeoutSeconds: 60, Retryable: true, Idempotent: true},
		"text":      {BaseURL: "http://localhost:8082", TimeoutSeconds: 120, Retryable: true, Idempotent: true},
		"image":     {BaseURL: "http://localhost:8083", TimeoutSeconds: 180, Retryable: true, Idempotent: true},
		"voice":     {BaseURL: "http://localhost:8084", TimeoutSeconds: 180, Retryable: true, Idempotent: true},
		"renderer":  {BaseURL: "http://localhost:8085", TimeoutSeconds: 600, Retryable: true, Idempotent: true},
		"publisher": {BaseURL: "http://localhost:8086", TimeoutSeconds: 120},
	}
}

func defaultPhases() []Phase {
	return []Phase{
		{ID: "fetch_product", Provider: "source", Retryable: true, Idempotent: true, TimeoutSeconds: 60, CacheCategory: "product_data"},
		{ID: "generate_script", DependsOn: []string{"fetch_product"}, Provider: "text", Retryable: true, Idempotent: true, TimeoutSeconds: 120},
		{ID: "generate_images", DependsOn: []string{"generate_script"}, Provider: "image", Retryable: true, Idempotent: true, TimeoutSeconds: 180},
		{ID: "generate_voice", DependsOn: []string{"generate_script"}, Provider: "voice", Retryable: true, Idempotent: true, TimeoutSeconds: 180},
		{ID: "render_video", DependsOn: []string{"generate_images", "generate_voice"}, Provider: "renderer", Retryable: true, Idempotent: true, Fatal: true, TimeoutSeconds: 600},
		{ID: "publish", DependsOn: []string{"render_video"}, Provider: "publisher", Fatal: true, TimeoutSeconds: 120, IdempotencyKeys: true},
	}
}
