package analytics

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/logger"
)

// RebuildResult summarises a rebuild.
type RebuildResult struct {
	Date        string  `json:"date"`
	Files       int     `json:"files"`
	Lines       int     `json:"lines"`
	ParseErrors int     `json:"parse_errors"`
	Report      *Report `json:"report"`
}

// Rebuild recomputes the snapshot of date from the access log and its rotated
// siblings, replacing whatever was counted before. The rolling day replaces the
// live snapshot; an earlier day supersedes its DailyProxyStats row. Rebuilds never
// report violations. Ingestion waits while a rebuild runs.
func (a *Aggregator) Rebuild(ctx context.Context, date string, topN int) (*RebuildResult, error) {
	const op = "rebuild analytics"
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, apperr.Validation(op, "invalid date %q, expected YYYY-MM-DD", date)
	}
	if date > a.today() {
		return nil, apperr.Validation(op, "%s is in the future", date)
	}

	var (
		res    *RebuildResult
		runErr error
	)
	err := a.call(ctx, func() {
		if today := a.today(); a.snap.Date < today {
			a.freeze(ctx, a.snap)
			a.reset(today)
		}
		rolling := date == a.snap.Date
		snap, recent, done, r, err := a.scan(ctx, date)
		if err != nil {
			runErr = err
			return
		}
		if rolling {
			a.snap = snap
			a.recent = recent
			a.rebuilt = done
			r.Report = snap.Report(topN)
			r.Report.RecentHits = recent.newestFirst()
		} else {
			if err := a.saveDaily(ctx, snap); err != nil {
				runErr = fmt.Errorf("store rebuilt analytics: %w", err)
				return
			}
			r.Report = snap.Report(topN)
		}
		res = r
	})
	if err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	logger.WithFields(logrus.Fields{
		"date":         res.Date,
		"files":        res.Files,
		"lines":        res.Lines,
		"parse_errors": res.ParseErrors,
		"total_hits":   res.Report.TotalHits,
	}).Info("analytics rebuilt from logs")
	return res, nil
}

// scan reads every log file and counts the hits of date. It also returns how far
// each plain file was read so the tailer's copies of those lines can be skipped.
// Runs on the loop.
func (a *Aggregator) scan(ctx context.Context, date string) (*Snapshot, *ring, []Position, *RebuildResult, error) {
	files, err := logFiles(a.opts.LogPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	snap := NewSnapshot(date)
	recent := newRing(a.opts.RecentHits)
	res := &RebuildResult{Date: date, Files: len(files)}
	var done []Position

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, nil, nil, nil, err
		}
		live := filepath.Base(path) == filepath.Base(a.opts.LogPath)
		pos, err := readLines(path, live, func(line string) {
			res.Lines++
			h, err := Parse(line)
			if err != nil {
				res.ParseErrors++
				return
			}
			if h.Day() != date {
				return
			}
			a.enrich(&h)
			snap.Add(h, a.inScope(h.Host))
			recent.push(h)
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		if pos.File != nil {
			done = append(done, pos)
		}
	}
	return snap, recent, done, res, nil
}

// logFiles lists the access log's rotated siblings, oldest first, then the log itself.
// Rotated names share the log's stem: access.log.1, access-2024-05-01T00-00-00.000.log(.gz).
func logFiles(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list log directory: %w", err)
	}

	type rotated struct {
		path string
		mod  time.Time
	}
	var old []rotated
	current := ""
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, stem) {
			continue
		}
		full := filepath.Join(dir, name)
		if name == base {
			current = full
			continue
		}
		if strings.HasPrefix(name, base+".") || strings.HasPrefix(name, stem+"-") {
			info, err := e.Info()
			if err != nil {
				continue
			}
			old = append(old, rotated{path: full, mod: info.ModTime()})
		}
	}
	sort.Slice(old, func(i, j int) bool {
		if !old[i].mod.Equal(old[j].mod) {
			return old[i].mod.Before(old[j].mod)
		}
		return old[i].path < old[j].path
	})

	out := make([]string, 0, len(old)+1)
	for _, r := range old {
		out = append(out, r.path)
	}
	if current != "" {
		out = append(out, current)
	}
	return out, nil
}

// readLines calls fn for every non-blank line of path and reports where the last
// complete line ended. The unterminated tail of the live log is left for the tailer;
// in rotated files it counts as a line. Compressed files report no position.
func readLines(path string, live bool, fn func(string)) (Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return Position{}, err
	}
	defer f.Close()

	var (
		r   io.Reader = f
		pos Position
	)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return Position{}, err
		}
		defer gz.Close()
		r = gz
	} else if pos.File, err = f.Stat(); err != nil {
		return Position{}, err
	}

	var (
		lines    lineSplitter
		consumed int64
	)
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, n, err := lines.next(br)
		consumed += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Position{}, err
		}
		pos.Offset = consumed
		if strings.TrimSpace(line) != "" {
			fn(line)
		}
	}
	if tail := lines.pending(); !live && strings.TrimSpace(tail) != "" {
		fn(tail)
	}
	if lines.dropped > 0 {
		logger.Log().WithField("path", path).WithField("dropped", lines.dropped).Warn("skipped oversized access log lines")
	}
	return pos, nil
}
