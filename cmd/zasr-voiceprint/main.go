// zasr-voiceprint manages the voice-print database used for speaker
// identification: enrollment, listing, identification and verification.
package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zighouse/zasr/pkg/asr"
	"github.com/zighouse/zasr/pkg/config"
	"github.com/zighouse/zasr/pkg/logging"
	"github.com/zighouse/zasr/pkg/voiceprint"
)

type rootOptions struct {
	provider         string
	model            string
	diarizationModel string
	db               string
	threads          int
	threshold        float32
	verbose          bool
}

func (o rootOptions) identifier(needCounter bool) (*voiceprint.Identifier, error) {
	p, err := asr.Lookup(o.provider)
	if err != nil {
		return nil, err
	}
	sp, ok := p.(asr.SpeakerProvider)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot build speaker models", o.provider)
	}
	spCfg := asr.SpeakerConfig{
		EmbeddingModel:   config.FindModelFile(o.model),
		DiarizationModel: config.FindModelFile(o.diarizationModel),
		NumThreads:       o.threads,
	}
	extractor, err := sp.NewEmbeddingExtractor(spCfg)
	if err != nil {
		return nil, fmt.Errorf("speaker embedding model: %w", err)
	}
	var counter asr.SpeakerCounter
	if needCounter && o.diarizationModel != "" {
		if counter, err = sp.NewSpeakerCounter(spCfg); err != nil {
			return nil, fmt.Errorf("diarization model: %w", err)
		}
	}
	return voiceprint.NewIdentifier(extractor, counter, voiceprint.Config{
		DBPath:    o.db,
		Threshold: o.threshold,
		AutoTrack: false,
	})
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "zasr-voiceprint",
		Short:         "Manage the voice-print database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logging.LevelFromEnv()
			if opts.verbose {
				level = logging.ParseLevel("debug")
			}
			logging.InitLogger(level)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.provider, "provider", "sherpa-onnx", "registered recognizer provider")
	pf.StringVar(&opts.model, "model", "", "speaker embedding model path")
	pf.StringVar(&opts.diarizationModel, "diarization-model", "", "speaker counting model path")
	pf.StringVar(&opts.db, "db", "", "voice print database path (default ~/.zasr/voice-prints)")
	pf.IntVar(&opts.threads, "threads", 2, "model threads")
	pf.Float32Var(&opts.threshold, "threshold", voiceprint.DefaultThreshold, "similarity threshold (0, 1)")
	pf.BoolVar(&opts.verbose, "verbose", false, "verbose output")

	root.AddCommand(
		newListCommand(opts),
		newInfoCommand(opts),
		newAddCommand(opts),
		newRenameCommand(opts),
		newRemoveCommand(opts),
		newIdentifyCommand(opts),
		newVerifyCommand(opts),
	)
	return root
}

func newListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered speakers",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := voiceprint.NewDB(opts.db)
			if err := db.Load(); err != nil {
				return err
			}
			speakers := db.All()
			if len(speakers) == 0 {
				fmt.Println("No registered speakers")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCREATED\tSAMPLES\tNOTES")
			for _, s := range speakers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Name, s.CreatedAt, s.NumSamples, s.Extra.Notes)
			}
			return w.Flush()
		},
	}
}

func newInfoCommand(opts *rootOptions) *cobra.Command {
	var speaker string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show speaker details",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := voiceprint.NewDB(opts.db)
			if err := db.Load(); err != nil {
				return err
			}
			meta, ok := db.Get(speaker)
			if !ok {
				return fmt.Errorf("speaker not found: %s", speaker)
			}
			fmt.Printf("ID:         %s\n", meta.ID)
			fmt.Printf("Name:       %s\n", meta.Name)
			fmt.Printf("Created:    %s\n", meta.CreatedAt)
			fmt.Printf("Updated:    %s\n", meta.UpdatedAt)
			fmt.Printf("Embedding:  %s (dim %d)\n", meta.EmbeddingFile, meta.EmbeddingDim)
			fmt.Printf("Samples:    %d\n", meta.NumSamples)
			fmt.Printf("Gender:     %s\n", meta.Extra.Gender)
			fmt.Printf("Language:   %s\n", meta.Extra.Language)
			fmt.Printf("Notes:      %s\n", meta.Extra.Notes)
			if len(meta.AudioSamples) > 0 {
				fmt.Printf("Audio:      %s\n", strings.Join(meta.AudioSamples, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&speaker, "speaker", "", "speaker id")
	_ = cmd.MarkFlagRequired("speaker")
	return cmd
}

func newAddCommand(opts *rootOptions) *cobra.Command {
	var (
		name     string
		audio    []string
		gender   string
		language string
		notes    string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enroll a speaker from one or more WAV files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identifier(true)
			if err != nil {
				return err
			}
			id, err := ident.AddSpeaker(name, audio, force, voiceprint.Extra{
				Gender:   gender,
				Language: language,
				Notes:    notes,
			})
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&name, "name", "", "speaker name")
	f.StringSliceVar(&audio, "audio", nil, "enrollment WAV file(s)")
	f.StringVar(&gender, "gender", "unknown", "male/female/unknown")
	f.StringVar(&language, "language", "unknown", "e.g. zh-CN, en-US")
	f.StringVar(&notes, "notes", "", "free-form notes")
	f.BoolVar(&force, "force", false, "skip the multi-speaker check when no diarization model is available")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func newRenameCommand(opts *rootOptions) *cobra.Command {
	var speaker, name string
	cmd := &cobra.Command{
		Use:   "rename",
		Short: "Rename a speaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := voiceprint.NewDB(opts.db)
			if err := db.Load(); err != nil {
				return err
			}
			if !db.Rename(speaker, name) {
				return fmt.Errorf("speaker not found: %s", speaker)
			}
			fmt.Printf("%s -> %s\n", speaker, name)
			return nil
		},
	}
	cmd.Flags().StringVar(&speaker, "speaker", "", "speaker id")
	cmd.Flags().StringVar(&name, "name", "", "new name")
	_ = cmd.MarkFlagRequired("speaker")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newRemoveCommand(opts *rootOptions) *cobra.Command {
	var speaker string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a speaker and its embedding",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := voiceprint.NewDB(opts.db)
			if err := db.Load(); err != nil {
				return err
			}
			if !db.Remove(speaker) {
				return fmt.Errorf("speaker not found: %s", speaker)
			}
			fmt.Printf("removed %s\n", speaker)
			return nil
		},
	}
	cmd.Flags().StringVar(&speaker, "speaker", "", "speaker id")
	_ = cmd.MarkFlagRequired("speaker")
	return cmd
}

func newIdentifyCommand(opts *rootOptions) *cobra.Command {
	var audio string
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Identify the speaker of a WAV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identifier(false)
			if err != nil {
				return err
			}
			res, err := ident.IdentifyFile(audio)
			if err != nil {
				return err
			}
			if res.SpeakerID == "" {
				return fmt.Errorf("no matching speaker (threshold %.2f)", opts.threshold)
			}
			fmt.Printf("%s\t%s\n", res.SpeakerID, res.SpeakerName)
			return nil
		},
	}
	cmd.Flags().StringVar(&audio, "audio", "", "WAV file to identify")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		speaker   string
		audio     string
		threshold float32
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a WAV file against an enrolled speaker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identifier(false)
			if err != nil {
				return err
			}
			ok, err := ident.VerifySpeaker(speaker, audio, threshold)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("speaker %s did not match", speaker)
			}
			fmt.Println("match")
			return nil
		},
	}
	cmd.Flags().StringVar(&speaker, "speaker", "", "speaker id")
	cmd.Flags().StringVar(&audio, "audio", "", "WAV file to verify")
	cmd.Flags().Float32Var(&threshold, "threshold", 0, "override similarity threshold")
	_ = cmd.MarkFlagRequired("speaker")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
