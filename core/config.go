package core

import (
	"crypto/sha256"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	serverConfig struct {
		Address            string
		DebugAddress       string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		JWTExpirationDelta time.Duration
		DisableRequestLogs bool
	}

	authConfig struct {
		ChallengeTimeoutDelta time.Duration // first-factor token lifetime
		OTPSkew               uint          // accepted TOTP periods before/after now
		MaxOTPAttempts        int           // wrong codes a challenge survives; 0 is unlimited
	}

	workflowConfig struct {
		ReviewLockDelta     time.Duration
		VerificationTimeout time.Duration
		MaxUploadSize       int64
		NotifyOnPublication bool
	}

	databaseConfig struct {
		Driver string // sqlite | postgres
		DSN    string
	}

	mailConfig struct {
		Backend        string // console | sendgrid | smtp
		SendgridAPIKey string
		SMTPHost       string
		SMTPPort       int
		SMTPUser       string
		SMTPPassword   string
	}

	Config struct {
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		AppName          string
		SecretKey        string
		DefaultFromEmail mail.Address
		BlobPath         string
		RollbarToken     string
		OTLPEndpoint     string

		Server   serverConfig
		Auth     authConfig
		Workflow workflowConfig
		Database databaseConfig
		Mail     mailConfig
	}
)

// NewConfig reads the application configuration from defaults, an optional
// `config/.env.<env>` file and the environment (prefixed with the env name).
func NewConfig() *Config {
	conf := viper.New()

	// defaults
	conf.SetTypeByDefaultValue(true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("debug", true)
	conf.SetDefault("testMode", false)
	conf.SetDefault("appName", "VaultGrade")
	conf.SetDefault("secretKey", "x7#q-2vnf$w(e9)zk@l=0pa*um3&hd+8t!rgy^b5s1ojc4%i6")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")
	conf.SetDefault("blobPath", "data/blobs.db")
	conf.SetDefault("rollbarToken", "")
	conf.SetDefault("otlpEndpoint", "")

	conf.SetDefault("serverAddress", ":8000")
	conf.SetDefault("serverDebugAddress", ":4000")
	conf.SetDefault("serverReadTimeout", 10*time.Second)
	conf.SetDefault("serverWriteTimeout", 30*time.Second)
	conf.SetDefault("serverShutdownTimeout", 10*time.Second)
	conf.SetDefault("jwtExpirationDelta", 30*time.Minute)
	conf.SetDefault("disableRequestLogs", false)

	conf.SetDefault("challengeTimeoutDelta", 5*time.Minute)
	conf.SetDefault("otpSkew", 1)
	conf.SetDefault("maxOtpAttempts", 5)

	conf.SetDefault("reviewLockDelta", 2*time.Hour)
	conf.SetDefault("verificationTimeout", 5*time.Second)
	conf.SetDefault("maxUploadSize", 20<<20)
	conf.SetDefault("notifyOnPublication", true)

	conf.SetDefault("dbDriver", "sqlite")
	conf.SetDefault("dbDSN", "data/portal.db")

	conf.SetDefault("mailBackend", "console")
	conf.SetDefault("sendgridApiKey", "")
	conf.SetDefault("smtpHost", "localhost")
	conf.SetDefault("smtpPort", 25)
	conf.SetDefault("smtpUser", "")
	conf.SetDefault("smtpPassword", "")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		conf.SetDefault("testMode", true)
	case "QA", "PROD":
		conf.SetDefault("debug", false)
	}
	conf.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("config.Getwd: %v", err)
	}
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Env:              env,
		Build:            conf.GetString("build"),
		Debug:            conf.GetBool("debug"),
		TestMode:         conf.GetBool("testMode"),
		AppName:          conf.GetString("appName"),
		SecretKey:        conf.GetString("secretKey"),
		DefaultFromEmail: mail.Address{Name: conf.GetString("appName"), Address: conf.GetString("defaultFromEmail")},
		BlobPath:         conf.GetString("blobPath"),
		RollbarToken:     conf.GetString("rollbarToken"),
		OTLPEndpoint:     conf.GetString("otlpEndpoint"),
		Server: serverConfig{
			Address:            conf.GetString("serverAddress"),
			DebugAddress:       conf.GetString("serverDebugAddress"),
			ReadTimeout:        conf.GetDuration("serverReadTimeout"),
			WriteTimeout:       conf.GetDuration("serverWriteTimeout"),
			ShutdownTimeout:    conf.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta: conf.GetDuration("jwtExpirationDelta"),
			DisableRequestLogs: conf.GetBool("disableRequestLogs"),
		},
		Auth: authConfig{
			ChallengeTimeoutDelta: conf.GetDuration("challengeTimeoutDelta"),
			OTPSkew:               conf.GetUint("otpSkew"),
			MaxOTPAttempts:        conf.GetInt("maxOtpAttempts"),
		},
		Workflow: workflowConfig{
			ReviewLockDelta:     conf.GetDuration("reviewLockDelta"),
			VerificationTimeout: conf.GetDuration("verificationTimeout"),
			MaxUploadSize:       conf.GetInt64("maxUploadSize"),
			NotifyOnPublication: conf.GetBool("notifyOnPublication"),
		},
		Database: databaseConfig{
			Driver: conf.GetString("dbDriver"),
			DSN:    conf.GetString("dbDSN"),
		},
		Mail: mailConfig{
			Backend:        conf.GetString("mailBackend"),
			SendgridAPIKey: conf.GetString("sendgridApiKey"),
			SMTPHost:       conf.GetString("smtpHost"),
			SMTPPort:       conf.GetInt("smtpPort"),
			SMTPUser:       conf.GetString("smtpUser"),
			SMTPPassword:   conf.GetString("smtpPassword"),
		},
	}
}

// NewTestConfig returns a Config suitable for unit tests; nothing is read from the environment.
func NewTestConfig() *Config {
	return &Config{
		Env:              "TEST",
		Build:            "test",
		TestMode:         true,
		AppName:          "VaultGrade",
		SecretKey:        "secret",
		DefaultFromEmail: mail.Address{Name: "VaultGrade", Address: "noreply@localhost"},
		Server: serverConfig{
			JWTExpirationDelta: 10 * time.Minute,
			DisableRequestLogs: true,
		},
		Auth: authConfig{
			ChallengeTimeoutDelta: 5 * time.Minute,
			OTPSkew:               1,
			MaxOTPAttempts:        5,
		},
		Workflow: workflowConfig{
			ReviewLockDelta:     time.Hour,
			VerificationTimeout: 5 * time.Second,
			MaxUploadSize:       1 << 20,
		},
		Mail: mailConfig{Backend: "console"},
	}
}

// MasterKey derives the 32 byte key used to seal data at rest from SecretKey.
func (c *Config) MasterKey() []byte {
	key := sha256.Sum256([]byte("vaultgrade.core.masterkey" + c.SecretKey))
	return key[:]
}
