// Package freshness decides whether an entity's cache file can be reused,
// must be rebuilt, or cannot be used at all.
package freshness

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/arkilian/rowcache/pkg/types"
)

// Action is the outcome of a freshness decision.
type Action int

const (
	// ActionTransient binds an in-memory store and materializes immediately.
	ActionTransient Action = iota
	// ActionReuse binds the existing cache file without materializing.
	ActionReuse
	// ActionRebuild empties the cache file, binds it, materializes, then stamps
	// the file's mtime with the reference timestamp.
	ActionRebuild
)

func (a Action) String() string {
	switch a {
	case ActionReuse:
		return "reuse"
	case ActionRebuild:
		return "rebuild"
	default:
		return "transient"
	}
}

// Input is everything the decision depends on.
type Input struct {
	CachingEnabled bool
	CacheExists    bool
	CacheModTime   time.Time
	ReferenceTime  time.Time
	DirExists      bool
	DirWritable    bool
}

// Decision is the selected action and why it was chosen.
type Decision struct {
	Action Action
	Reason string
}

// Materialize reports whether the action requires building the table.
func (d Decision) Materialize() bool {
	return d.Action != ActionReuse
}

// Decide classifies the cache state. Conditions are checked in order:
// caching disabled, fresh cache file, writable directory, fallback.
func Decide(in Input) Decision {
	switch {
	case !in.CachingEnabled:
		return Decision{Action: ActionTransient, Reason: "caching disabled"}
	case in.CacheExists && !in.ReferenceTime.After(in.CacheModTime):
		return Decision{Action: ActionReuse, Reason: "cache file up to date"}
	case in.DirExists && in.DirWritable:
		if in.CacheExists {
			return Decision{Action: ActionRebuild, Reason: "cache file stale"}
		}
		return Decision{Action: ActionRebuild, Reason: "cache file missing"}
	default:
		return Decision{Action: ActionTransient, Reason: "cache directory unavailable"}
	}
}

// CachePath returns <dir>/<prefix>-<slug>.sqlite for the entity.
func CachePath(dir, prefix string, e *types.Entity) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s.sqlite", prefix, e.Slug()))
}

// ReferenceTime returns the timestamp versioning the entity definition.
// An explicit ReferenceTime wins over the reference file's mtime; an
// unreadable reference file yields the zero time.
func ReferenceTime(e *types.Entity) time.Time {
	if !e.ReferenceTime.IsZero() {
		return e.ReferenceTime
	}
	if e.ReferencePath == "" {
		return time.Time{}
	}
	info, err := os.Stat(e.ReferencePath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Inspect gathers the decision input from the filesystem. It never fails:
// any filesystem error reads as absent or not writable.
func Inspect(e *types.Entity, cachePath, dir string) Input {
	in := Input{
		CachingEnabled: e.ShouldCache(),
		ReferenceTime:  ReferenceTime(e),
	}

	if info, err := os.Stat(cachePath); err == nil && info.Mode().IsRegular() {
		in.CacheExists = true
		in.CacheModTime = info.ModTime()
	}

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		in.DirExists = true
		in.DirWritable = unix.Access(dir, unix.W_OK) == nil
	}

	return in
}

// ResetArtifact truncates the cache file to an empty database and removes
// any journal files left next to it.
func ResetArtifact(cachePath string) error {
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		if err := os.Remove(cachePath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("freshness: failed to remove %s: %w", cachePath+suffix, err)
		}
	}
	if err := os.WriteFile(cachePath, nil, 0644); err != nil {
		return fmt.Errorf("freshness: failed to create cache file: %w", err)
	}
	return nil
}

// CreateArtifact creates an empty cache file. A file created concurrently by
// another writer is left untouched.
func CreateArtifact(cachePath string) error {
	f, err := os.OpenFile(cachePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("freshness: failed to create cache file: %w", err)
	}
	return f.Close()
}

// Stamp sets the cache file's mtime to the reference timestamp so the next
// Inspect sees it as matching this definition version.
func Stamp(cachePath string, reference time.Time) error {
	if reference.IsZero() {
		return nil
	}
	if err := os.Chtimes(cachePath, reference, reference); err != nil {
		return fmt.Errorf("freshness: failed to stamp cache file: %w", err)
	}
	return nil
}
