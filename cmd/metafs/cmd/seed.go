package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javi11/metafs/internal/config"
	"github.com/javi11/metafs/internal/content"
	"github.com/javi11/metafs/internal/metadata"
)

// Manifest lists the records loaded by the seed command.
type Manifest struct {
	Records []ManifestRecord `yaml:"records"`
}

// ManifestRecord is one record of a manifest. File, when set, is stored in
// the content store; a relative path is resolved against the manifest's
// directory. Size defaults to the size of File.
type ManifestRecord struct {
	ContentID  string            `yaml:"content_id"`
	Size       int64             `yaml:"size"`
	CreateTime time.Time         `yaml:"create_time"`
	Attributes map[string]string `yaml:"attributes"`
	File       string            `yaml:"file"`
}

func init() {
	seedCmd := &cobra.Command{
		Use:   "seed <manifest.yaml>",
		Short: "Load records from a manifest into the metadata engine",
		Long: `Load the records of a YAML manifest into the configured metadata engine and
copy their object files into the content store.`,
		Args: cobra.ExactArgs(1),
		RunE: runSeed,
	}

	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Metadata.Engine == config.EngineMemory {
		return fmt.Errorf("the memory engine does not persist seeded records")
	}

	osFs := afero.NewOsFs()
	manifest, err := loadManifest(osFs, args[0])
	if err != nil {
		return err
	}

	logger := slog.Default()
	store, closeStore, err := openEngine(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	contentStore, err := content.NewOsStore(cfg.Content.RootPath)
	if err != nil {
		return err
	}

	n, err := seedRecords(cmd.Context(), store, contentStore, osFs, filepath.Dir(args[0]), manifest)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d records\n", n)
	return nil
}

func loadManifest(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	seen := make(map[string]struct{}, len(m.Records))
	for i, r := range m.Records {
		id, err := hex.DecodeString(r.ContentID)
		if err != nil || len(id) == 0 {
			return nil, fmt.Errorf("record %d: content_id must be a non-empty hex string", i)
		}
		if _, ok := seen[r.ContentID]; ok {
			return nil, fmt.Errorf("record %d: duplicate content_id %s", i, r.ContentID)
		}
		seen[r.ContentID] = struct{}{}

		if len(r.Attributes) == 0 {
			return nil, fmt.Errorf("record %d: attributes cannot be empty", i)
		}
		if r.Size < 0 {
			return nil, fmt.Errorf("record %d: size must be non-negative", i)
		}
	}

	return &m, nil
}

// seedRecords stores every manifest record. Objects are written before their
// record so that a record never points at missing content.
func seedRecords(ctx context.Context, store metadata.Store, objects *content.Store, fs afero.Fs, baseDir string, m *Manifest) (int, error) {
	for i, r := range m.Records {
		id, _ := hex.DecodeString(r.ContentID)

		rec := metadata.Record{
			ContentID:  id,
			Size:       r.Size,
			CreateTime: r.CreateTime,
			Attributes: r.Attributes,
		}
		if rec.CreateTime.IsZero() {
			rec.CreateTime = time.Now().UTC()
		}

		if r.File != "" {
			p := r.File
			if !filepath.IsAbs(p) {
				p = filepath.Join(baseDir, p)
			}

			f, err := fs.Open(p)
			if err != nil {
				return i, fmt.Errorf("record %s: failed to open %s: %w", r.ContentID, p, err)
			}
			written, err := objects.PutObject(ctx, id, f)
			_ = f.Close()
			if err != nil {
				return i, fmt.Errorf("record %s: %w", r.ContentID, err)
			}
			if rec.Size == 0 {
				rec.Size = written
			}
		}

		if err := store.PutRecord(ctx, rec); err != nil {
			return i, fmt.Errorf("record %s: failed to store: %w", r.ContentID, err)
		}
	}

	return len(m.Records), nil
}
