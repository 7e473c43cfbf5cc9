package infra

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

const executablePollInterval = 5 * time.Second

// MonitorExecutable watches the running binary's mtime and closes the
// returned channel after signalling once it changes on disk, so a
// deployment that swaps the file in place triggers a clean shutdown
// and restart under the process supervisor.
func MonitorExecutable(ctx context.Context) <-chan struct{} {
	changed := make(chan struct{})
	go func() {
		defer close(changed)

		path, baseline, err := executableModTime()
		if err != nil {
			log.WithField("error", err.Error()).Warn("cant watch executable")
			return
		}

		ticker := time.NewTicker(executablePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat, err := os.Stat(path)
				if err != nil {
					// The file may be mid-replacement; try again.
					log.WithField("error", err.Error()).Debug("cant stat executable")
					continue
				}
				if stat.ModTime().Equal(baseline) {
					continue
				}
				log.WithField("path", path).Info("executable changed on disk")
				changed <- struct{}{}
				return
			}
		}
	}()
	return changed
}

func executableModTime() (string, time.Time, error) {
	path, err := os.Executable()
	if err != nil {
		return "", time.Time{}, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		return "", time.Time{}, err
	}
	return path, stat.ModTime(), nil
}
