// zasr-server is the WebSocket streaming speech-recognition server.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dimiro1/banner"
	"github.com/spf13/cobra"

	"github.com/zighouse/zasr/pkg/asr"
	"github.com/zighouse/zasr/pkg/config"
	"github.com/zighouse/zasr/pkg/logging"
	"github.com/zighouse/zasr/pkg/metrics"
	"github.com/zighouse/zasr/pkg/protocol"
	"github.com/zighouse/zasr/pkg/server"
	"github.com/zighouse/zasr/pkg/session"
	"github.com/zighouse/zasr/pkg/voiceprint"
)

const version = "dev"

func printBanner() {
	tpl := "{{ .Title \"ZASR\" \"\" 0 }}\nVersion: " + version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()
	var configPath string

	cmd := &cobra.Command{
		Use:          "zasr-server",
		Short:        "WebSocket streaming speech recognition server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, config.ConfigFilePath(configPath))
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to YAML configuration (default $ZASR_CONFIG)")
	flags.String("host", "0.0.0.0", "server host address")
	flags.Int("port", 2026, "server port")
	flags.Int("max-connections", 256, "maximum concurrent connections")
	flags.Int("worker-threads", 4, "decode worker threads")
	flags.Int("sample-rate", 16000, "audio sample rate")
	flags.String("recognizer-type", asr.TypeSenseVoice, "sense-voice | streaming-zipformer | streaming-paraformer")
	flags.String("recognizer-provider", "sherpa-onnx", "registered recognizer provider")
	flags.String("sense-voice-model", "", "path to the SenseVoice model")
	flags.String("zipformer-encoder", "", "path to the streaming zipformer encoder")
	flags.String("zipformer-decoder", "", "path to the streaming zipformer decoder")
	flags.String("zipformer-joiner", "", "path to the streaming zipformer joiner")
	flags.String("paraformer-encoder", "", "path to the streaming paraformer encoder")
	flags.String("paraformer-decoder", "", "path to the streaming paraformer decoder")
	flags.String("tokens", "", "path to tokens.txt (required)")
	flags.String("silero-vad-model", "", "path to the Silero VAD model")
	flags.Float32("vad-threshold", 0.5, "VAD threshold (0, 1]")
	flags.Float32("min-silence-duration", 0.1, "minimum silence duration in seconds")
	flags.Float32("min-speech-duration", 0.25, "minimum speech duration in seconds")
	flags.Float32("max-speech-duration", 8.0, "maximum speech duration in seconds")
	flags.Float32("vad-window-size-ms", 30, "VAD window size in milliseconds")
	flags.Float32("update-interval-ms", 200, "partial result update interval")
	flags.Int("max-batch-size", 5, "maximum decode batch size")
	flags.Bool("enable-punctuation", false, "punctuate final hypotheses")
	flags.String("punctuation-model", "", "path to the punctuation model")
	flags.Bool("use-itn", true, "apply inverse text normalization")
	flags.Int("num-threads", 2, "threads per model")
	flags.Int("connection-timeout", 15, "idle connection timeout in seconds")
	flags.Int("recognition-timeout", 30, "recognition timeout in seconds")
	flags.String("log-file", "", "log file path (stdout when empty)")
	flags.String("data-dir", "", "directory for audio and result artifacts")
	flags.Bool("enable-speaker-id", false, "tag finalized sentences with speaker identity")
	flags.String("speaker-model", "", "path to the speaker embedding model")
	flags.String("voice-print-db", "", "voice print database root")

	bind := func(key, flag string) {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	bind("server.host", "host")
	bind("server.port", "port")
	bind("server.max_connections", "max-connections")
	bind("server.worker_threads", "worker-threads")
	bind("audio.sample_rate", "sample-rate")
	bind("asr.type", "recognizer-type")
	bind("asr.provider", "recognizer-provider")
	bind("asr.sense_voice.model", "sense-voice-model")
	bind("asr.streaming_zipformer.encoder", "zipformer-encoder")
	bind("asr.streaming_zipformer.decoder", "zipformer-decoder")
	bind("asr.streaming_zipformer.joiner", "zipformer-joiner")
	bind("asr.streaming_paraformer.encoder", "paraformer-encoder")
	bind("asr.streaming_paraformer.decoder", "paraformer-decoder")
	bind("asr.sense_voice.tokens", "tokens")
	bind("asr.streaming_zipformer.tokens", "tokens")
	bind("asr.streaming_paraformer.tokens", "tokens")
	bind("vad.model", "silero-vad-model")
	bind("vad.threshold", "vad-threshold")
	bind("vad.min_silence_duration", "min-silence-duration")
	bind("vad.min_speech_duration", "min-speech-duration")
	bind("vad.max_speech_duration", "max-speech-duration")
	bind("processing.vad_window_size_ms", "vad-window-size-ms")
	bind("processing.update_interval_ms", "update-interval-ms")
	bind("processing.max_batch_size", "max-batch-size")
	bind("punctuation.enabled", "enable-punctuation")
	bind("punctuation.model", "punctuation-model")
	bind("asr.use_itn", "use-itn")
	bind("asr.num_threads", "num-threads")
	bind("timeouts.connection", "connection-timeout")
	bind("timeouts.recognition", "recognition-timeout")
	bind("logging.file", "log-file")
	bind("logging.data_dir", "data-dir")
	bind("speaker.enabled", "enable-speaker-id")
	bind("speaker.model", "speaker-model")
	bind("speaker.db", "voice-print-db")

	return cmd
}

func run(cfg config.Config) error {
	level := logging.ParseLevel(cfg.Logging.Level)
	if env := os.Getenv("ZASR_SERVER_LOG_LEVEL"); env != "" {
		level = logging.ParseLevel(env)
	}
	logger := logging.InitLoggerTo(logging.OpenLogFile(cfg.Logging.File), level)

	printBanner()
	fmt.Print(cfg.Summary())

	provider, err := asr.Lookup(cfg.ASR.Provider)
	if err != nil {
		return err
	}

	var identifier *voiceprint.Identifier
	if cfg.Speaker.Enabled {
		sp, ok := provider.(asr.SpeakerProvider)
		if !ok {
			return fmt.Errorf("provider %s cannot build speaker models", cfg.ASR.Provider)
		}
		extractor, err := sp.NewEmbeddingExtractor(cfg.SpeakerConfig())
		if err != nil {
			return fmt.Errorf("speaker embedding model: %w", err)
		}
		var counter asr.SpeakerCounter
		if cfg.Speaker.DiarizationModel != "" {
			if counter, err = sp.NewSpeakerCounter(cfg.SpeakerConfig()); err != nil {
				return fmt.Errorf("diarization model: %w", err)
			}
		}
		identifier, err = voiceprint.NewIdentifier(extractor, counter, voiceprint.Config{
			DBPath:    cfg.Speaker.DB,
			Threshold: cfg.Speaker.Threshold,
			AutoTrack: cfg.Speaker.AutoTrack,
		})
		if err != nil {
			return fmt.Errorf("voice print database: %w", err)
		}
	}

	var obs metrics.Observer = metrics.NoopObserver{}
	if cfg.Logging.Metrics != "" {
		f, err := os.OpenFile(cfg.Logging.Metrics, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("open metrics file failed", "path", cfg.Logging.Metrics, "error", err.Error())
		} else {
			defer f.Close()
			obs = metrics.NewJSONLObserver(f)
		}
	}

	srv := server.New(server.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		MaxConnections:    cfg.Server.MaxConnections,
		WorkerThreads:     cfg.Server.WorkerThreads,
		ConnectionTimeout: cfg.ConnectionTimeout(),
		Logger:            logger,
		Observer:          obs,
		Session: session.Config{
			VADWindowSize:  cfg.VADWindowSamples(),
			UpdateInterval: cfg.UpdateInterval(),
			Identifier:     identifier,
			Logger:         logging.NewComponentLogger(logger, "session"),
			Engine: func(clientCfg protocol.ClientConfig) (*asr.Engine, error) {
				return provider.NewEngine(cfg.EngineConfig(clientCfg.SilenceMS, clientCfg.UseITN))
			},
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("server failed", "error", err.Error())
		os.Exit(1)
	}
}
