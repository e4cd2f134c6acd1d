package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	dumpPrefix       = "telegram_downloads_"
	dumpStampLayout  = "20060102_150405"
	dumpMessagesFile = "messages.txt"
)

// Dump is one scraper output directory
type Dump struct {
	Channel   string
	Path      string // Path of messages.txt
	CreatedAt time.Time
}

// DumpDirName returns the directory name the scraper uses for a dump
func DumpDirName(channel string, at time.Time) string {
	return dumpPrefix + channel + "_" + at.Format(dumpStampLayout)
}

// FindDumps lists the dumps under dataDir, oldest first. When channels is
// non-empty only dumps of those channels are returned.
func FindDumps(dataDir string, channels []string) ([]Dump, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	wanted := make(map[string]bool, len(channels))
	for _, ch := range channels {
		wanted[strings.TrimPrefix(ch, "@")] = true
	}

	var dumps []Dump
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		channel, createdAt, ok := parseDumpDirName(entry.Name())
		if !ok {
			continue
		}
		if len(wanted) > 0 && !wanted[channel] {
			continue
		}
		path := filepath.Join(dataDir, entry.Name(), dumpMessagesFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		dumps = append(dumps, Dump{Channel: channel, Path: path, CreatedAt: createdAt})
	}

	sort.Slice(dumps, func(i, j int) bool {
		if !dumps[i].CreatedAt.Equal(dumps[j].CreatedAt) {
			return dumps[i].CreatedAt.Before(dumps[j].CreatedAt)
		}
		return dumps[i].Channel < dumps[j].Channel
	})
	return dumps, nil
}

// LatestPerChannel keeps the newest dump of every channel
func LatestPerChannel(dumps []Dump) []Dump {
	latest := make(map[string]Dump)
	for _, d := range dumps {
		if cur, ok := latest[d.Channel]; !ok || d.CreatedAt.After(cur.CreatedAt) {
			latest[d.Channel] = d
		}
	}
	out := make([]Dump, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// parseDumpDirName splits telegram_downloads_<channel>_<YYYYmmdd_HHMMSS>.
// Channel names may themselves contain underscores.
func parseDumpDirName(name string) (string, time.Time, bool) {
	rest, ok := strings.CutPrefix(name, dumpPrefix)
	if !ok || len(rest) < len(dumpStampLayout)+2 {
		return "", time.Time{}, false
	}
	stamp := rest[len(rest)-len(dumpStampLayout):]
	channel := rest[:len(rest)-len(dumpStampLayout)]
	channel, ok = strings.CutSuffix(channel, "_")
	if !ok || channel == "" {
		return "", time.Time{}, false
	}
	createdAt, err := time.ParseInLocation(dumpStampLayout, stamp, time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return channel, createdAt, true
}
