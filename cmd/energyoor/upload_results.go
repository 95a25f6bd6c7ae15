package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ethpandaops/energyoor/pkg/runner"
	"github.com/ethpandaops/energyoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	uploadResultDir string
	uploadForce     bool
)

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload existing session directories to S3",
	Long: `Upload session directories to the configured S3 bucket. --result-dir may
point at a single session directory (one containing session.json) or at a
results directory laid out as <workload>/<session>. Sessions that already
exist in the bucket are skipped unless --force is given.`,
	RunE: runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Session or results directory to upload")
	uploadResultsCmd.Flags().BoolVar(&uploadForce, "force", false,
		"Upload sessions that already exist remotely")

	_ = uploadResultsCmd.MarkFlagRequired("result-dir")
}

func runUploadResults(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	if !cfg.Upload.S3.Enabled {
		return errors.New("upload.s3.enabled must be true")
	}

	sessions, err := findSessionDirs(uploadResultDir)
	if err != nil {
		return err
	}

	if len(sessions) == 0 {
		log.WithField("dir", uploadResultDir).Info("No sessions found")

		return nil
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	if err := uploader.Preflight(ctx); err != nil {
		return fmt.Errorf("upload preflight: %w", err)
	}

	var uploaded, skipped int

	for _, dir := range sessions {
		remote := remoteSessionPath(dir)
		l := log.WithFields(logrus.Fields{"dir": dir, "remote": remote})

		if !uploadForce {
			exists, err := uploader.Exists(ctx, remote+"/"+runner.SessionFile)
			if err != nil {
				return fmt.Errorf("checking %s: %w", remote, err)
			}

			if exists {
				l.Info("Session already uploaded, skipping")

				skipped++

				continue
			}
		}

		if err := uploader.Upload(ctx, dir, remote); err != nil {
			return fmt.Errorf("uploading %s: %w", dir, err)
		}

		uploaded++
	}

	log.WithFields(logrus.Fields{
		"uploaded": uploaded,
		"skipped":  skipped,
	}).Info("Upload finished")

	return nil
}

// findSessionDirs returns root itself when it is a session directory,
// otherwise every <workload>/<session> directory below it.
func findSessionDirs(root string) ([]string, error) {
	if isSessionDir(root) {
		return []string{root}, nil
	}

	matches, err := filepath.Glob(filepath.Join(root, "*", "*", runner.SessionFile))
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}

	dirs := make([]string, 0, len(matches))
	for _, m := range matches {
		dirs = append(dirs, filepath.Dir(m))
	}

	sort.Strings(dirs)

	return dirs, nil
}

func isSessionDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, runner.SessionFile))

	return err == nil && !info.IsDir()
}

// remoteSessionPath mirrors the layout used after a measure session:
// <workload>/<session>.
func remoteSessionPath(dir string) string {
	clean := filepath.Clean(dir)

	return filepath.ToSlash(filepath.Join(filepath.Base(filepath.Dir(clean)), filepath.Base(clean)))
}
