// Package store persists optimization runs: the spec they were started
// with and their run record.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/runspec"
)

// CodecVersion is bumped whenever the payload layout changes.
const CodecVersion = 1

// Run is one stored optimization run. Record is nil until the run has
// produced one.
type Run struct {
	ID        string                  `json:"id"`
	Status    optimization.RunStatus  `json:"status"`
	Spec      *runspec.Spec           `json:"spec"`
	Record    *optimization.RunRecord `json:"record,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// Store persists runs. Get returns false when the id is unknown.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	// ListRuns returns runs newest first; limit <= 0 returns all of them.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	DeleteRun(ctx context.Context, id string) error
	Close() error
}

type envelope struct {
	CodecVersion int `json:"codec_version"`
	Run          Run `json:"run"`
}

// EncodeRun serialises a run payload.
func EncodeRun(run Run) ([]byte, error) {
	return json.Marshal(envelope{CodecVersion: CodecVersion, Run: run})
}

// DecodeRun reverses EncodeRun.
func DecodeRun(data []byte) (Run, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Run{}, err
	}
	if env.CodecVersion != CodecVersion {
		return Run{}, fmt.Errorf("unsupported codec version %d", env.CodecVersion)
	}
	return env.Run, nil
}

// NewStore returns an uninitialised store of the given kind.
func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", kind)
	}
}
