package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	RedisAddr     string
	RedisPassword string
	DataDir       string

	// JobStore selects the probe job backend: redis, postgres or memory.
	JobStore    string
	DatabaseURL string

	SupabaseURL        string
	SupabaseServiceKey string
	SupabaseBucket     string

	PortalBaseURL  string
	PortalFormPath string
	PortalOTPPath  string
	PortalTimeout  time.Duration

	CaptchaBaseURL      string
	CaptchaAPIKey       string
	CaptchaTaskType     string
	CaptchaPollInterval time.Duration
	CaptchaMaxAttempts  int

	ProbeDelay          time.Duration
	MaxChallengeRounds  int
	ClassifierRulesFile string

	OTPTimeout      time.Duration
	SecretTTL       time.Duration
	EvidenceBrowser string
	BcryptCost      int

	WorkerConcurrency int
	TaskMaxRetries    int
	ProbeTaskTimeout  time.Duration
}

// SetDefaults registers every key with its default so AutomaticEnv can
// resolve it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("JOB_STORE", "redis")
	v.SetDefault("DATABASE_URL", "")

	v.SetDefault("SUPABASE_URL", "")
	v.SetDefault("SUPABASE_SERVICE_ROLE_KEY", "")
	v.SetDefault("SUPABASE_STORAGE_BUCKET", "comprovantes")

	v.SetDefault("PORTAL_BASE_URL", "https://www.regularize.pgfn.gov.br")
	v.SetDefault("PORTAL_FORM_PATH", "/cadastro")
	v.SetDefault("PORTAL_OTP_PATH", "/cadastro/validar-codigo")
	v.SetDefault("PORTAL_TIMEOUT", 30*time.Second)

	v.SetDefault("CAPTCHA_BASE_URL", "https://api.solvecaptcha.com")
	v.SetDefault("SOLVECAPTCHA_API_KEY", "")
	v.SetDefault("CAPTCHA_TASK_TYPE", "HCaptchaTaskProxyless")
	v.SetDefault("CAPTCHA_POLL_INTERVAL", 5*time.Second)
	v.SetDefault("CAPTCHA_MAX_ATTEMPTS", 60)

	v.SetDefault("PROBE_DELAY", 3*time.Second)
	v.SetDefault("MAX_CHALLENGE_ROUNDS", 2)
	v.SetDefault("CLASSIFIER_RULES_FILE", "")

	v.SetDefault("OTP_TIMEOUT", 10*time.Minute)
	v.SetDefault("SECRET_TTL", 30*time.Minute)
	v.SetDefault("EVIDENCE_BROWSER", "chromium")
	v.SetDefault("BCRYPT_COST", 12)

	v.SetDefault("WORKER_CONCURRENCY", 10)
	v.SetDefault("TASK_MAX_RETRIES", 3)
	v.SetDefault("PROBE_TASK_TIMEOUT", 24*time.Hour)
}

// Load reads configuration from the process-wide viper instance, which
// carries any CLI flags bound by the command layer.
func Load() (Config, error) {
	return LoadFrom(viper.GetViper())
}

func LoadFrom(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		AppEnv:        v.GetString("APP_ENV"),
		HTTPAddr:      v.GetString("HTTP_ADDR"),
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		DataDir:       v.GetString("DATA_DIR"),

		JobStore:    strings.ToLower(v.GetString("JOB_STORE")),
		DatabaseURL: v.GetString("DATABASE_URL"),

		SupabaseURL:        v.GetString("SUPABASE_URL"),
		SupabaseServiceKey: v.GetString("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:     v.GetString("SUPABASE_STORAGE_BUCKET"),

		PortalBaseURL:  v.GetString("PORTAL_BASE_URL"),
		PortalFormPath: v.GetString("PORTAL_FORM_PATH"),
		PortalOTPPath:  v.GetString("PORTAL_OTP_PATH"),
		PortalTimeout:  v.GetDuration("PORTAL_TIMEOUT"),

		CaptchaBaseURL:      v.GetString("CAPTCHA_BASE_URL"),
		CaptchaAPIKey:       v.GetString("SOLVECAPTCHA_API_KEY"),
		CaptchaTaskType:     v.GetString("CAPTCHA_TASK_TYPE"),
		CaptchaPollInterval: v.GetDuration("CAPTCHA_POLL_INTERVAL"),
		CaptchaMaxAttempts:  v.GetInt("CAPTCHA_MAX_ATTEMPTS"),

		ProbeDelay:          v.GetDuration("PROBE_DELAY"),
		MaxChallengeRounds:  v.GetInt("MAX_CHALLENGE_ROUNDS"),
		ClassifierRulesFile: v.GetString("CLASSIFIER_RULES_FILE"),

		OTPTimeout:      v.GetDuration("OTP_TIMEOUT"),
		SecretTTL:       v.GetDuration("SECRET_TTL"),
		EvidenceBrowser: strings.ToLower(v.GetString("EVIDENCE_BROWSER")),
		BcryptCost:      v.GetInt("BCRYPT_COST"),

		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		TaskMaxRetries:    v.GetInt("TASK_MAX_RETRIES"),
		ProbeTaskTimeout:  v.GetDuration("PROBE_TASK_TIMEOUT"),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.JobStore {
	case "redis", "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("JOB_STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown JOB_STORE %q", c.JobStore)
	}
	if c.RedisAddr == "" && c.JobStore == "redis" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.PortalBaseURL == "" {
		return fmt.Errorf("PORTAL_BASE_URL is required")
	}
	if c.CaptchaMaxAttempts < 1 {
		return fmt.Errorf("CAPTCHA_MAX_ATTEMPTS must be positive, got %d", c.CaptchaMaxAttempts)
	}
	if c.MaxChallengeRounds < 0 {
		return fmt.Errorf("MAX_CHALLENGE_ROUNDS must not be negative")
	}
	if c.ProbeDelay < 0 {
		return fmt.Errorf("PROBE_DELAY must not be negative")
	}
	if c.AppEnv == "production" && (c.SupabaseURL == "" || c.SupabaseServiceKey == "") {
		return fmt.Errorf("production requires SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY")
	}
	return nil
}

// evidenceRenderBudget covers browser launch plus the PDF render.
const evidenceRenderBudget = 2 * time.Minute

// RegistrationTaskTimeout is the worst case for one registration: every
// challenge solve polled to the limit, every portal call at its timeout,
// the full OTP wait and the proof render. A registration solves once on
// the form page and once per resubmitted round.
func (c Config) RegistrationTaskTimeout() time.Duration {
	solves := c.MaxChallengeRounds + 1
	captcha := time.Duration(solves) * time.Duration(c.CaptchaMaxAttempts+1) * c.CaptchaPollInterval
	// form load, the initial post, one post per round and the OTP post
	portal := time.Duration(c.MaxChallengeRounds+3) * c.PortalTimeout
	return captcha + portal + c.OTPTimeout + evidenceRenderBudget
}

// SupabaseEnabled reports whether a storage collaborator is configured.
func (c Config) SupabaseEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}
