// Package config loads corestream's runtime configuration. Grounded on the
// teacher's flat os.Getenv-based config (config/database.go's constants)
// generalized to viper+godotenv, the combination other helix-style services
// in the corpus use so a `.env` file and real environment variables both
// work without requiring every variable to be exported by hand.
package config

import (
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

// Config holds every variable from spec.md §6 plus the AMBIENT additions
// SPEC_FULL.md §6 names.
type Config struct {
	CaptureOutputDir          string
	CaptureJPEGQualityDefault int
	StreamIdleTimeoutSeconds  int
	GopCapBytes               int64
	SubscriberQueueDepth      int
	DecoderStallMs            int
	ShutdownDeadlineSeconds   int
	EncoderAgentPath          string
	CaptureHistoryDBPath      string
	ADBPath                   string
	ListenAddr                string
}

// Fs is overridable in tests; defaults to the real filesystem.
var Fs afero.Fs = afero.NewOsFs()

// Load reads a .env file (if present) then environment variables, applying
// the defaults spec.md §6 lists.
func Load(envFilePath string) (Config, error) {
	if envFilePath != "" {
		if exists, _ := afero.Exists(Fs, envFilePath); exists {
			if err := godotenv.Load(envFilePath); err != nil {
				return Config{}, err
			}
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("capture_output_dir", "./captures")
	v.SetDefault("capture_jpeg_quality_default", 80)
	v.SetDefault("stream_idle_timeout_seconds", 5)
	v.SetDefault("gop_cap_bytes", "4MiB")
	v.SetDefault("subscriber_queue_depth", 256)
	v.SetDefault("decoder_stall_ms", 5000)
	v.SetDefault("shutdown_deadline_seconds", 10)
	v.SetDefault("encoder_agent_path", "")
	v.SetDefault("capture_history_db_path", "./data/capturehistory.db")
	v.SetDefault("adb_path", "adb")
	v.SetDefault("listen_addr", ":8080")

	gopCapBytes, err := units.RAMInBytes(v.GetString("gop_cap_bytes"))
	if err != nil {
		gopCapBytes = 4 << 20
	}

	return Config{
		CaptureOutputDir:          v.GetString("capture_output_dir"),
		CaptureJPEGQualityDefault: v.GetInt("capture_jpeg_quality_default"),
		StreamIdleTimeoutSeconds:  v.GetInt("stream_idle_timeout_seconds"),
		GopCapBytes:               gopCapBytes,
		SubscriberQueueDepth:      v.GetInt("subscriber_queue_depth"),
		DecoderStallMs:            v.GetInt("decoder_stall_ms"),
		ShutdownDeadlineSeconds:   v.GetInt("shutdown_deadline_seconds"),
		EncoderAgentPath:          v.GetString("encoder_agent_path"),
		CaptureHistoryDBPath:      v.GetString("capture_history_db_path"),
		ADBPath:                   v.GetString("adb_path"),
		ListenAddr:                v.GetString("listen_addr"),
	}, nil
}

func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

func (c Config) DecoderStallTimeout() time.Duration {
	return time.Duration(c.DecoderStallMs) * time.Millisecond
}

func (c Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownDeadlineSeconds) * time.Second
}
