package keyspace

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a transient hash key.
type Kind int

// Key kinds.
const (
	KindTask Kind = iota + 1
	KindService
)

func (k Kind) String() string {
	switch k {
	case KindTask:
		return "task"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// ErrMalformed is returned for channels or keys that do not follow the
// keyspace and key naming conventions.
var ErrMalformed = errors.New("malformed keyspace notification")

const keyspaceChannelPrefix = "__keyspace@"

// Prefixes are the key prefixes of the two payload families.
type Prefixes struct {
	Task    string
	Service string
}

// DefaultPrefixes are the prefixes written by the test engine and the
// validation services.
var DefaultPrefixes = Prefixes{Task: "task:", Service: "service:"}

// Key is a classified transient hash key.
type Key struct {
	// Raw is the full Redis key, e.g. task:<reportId>-<testId>.
	Raw  string
	Kind Kind

	// Set for KindTask.
	ReportID string
	TestID   string

	// Set for KindService: the dataset or model file id.
	EntityID string
}

// TaskKey builds the key the test engine writes for one test.
func (p Prefixes) TaskKey(reportID, testID string) string {
	return p.Task + reportID + "-" + testID
}

// ServiceKey builds the key a validation service writes for one entity.
func (p Prefixes) ServiceKey(entityID string) string {
	return p.Service + entityID
}

// Patterns returns the PSUBSCRIBE patterns for database db.
func (p Prefixes) Patterns(db int) []string {
	return []string{
		fmt.Sprintf("%s%d__:%s*", keyspaceChannelPrefix, db, p.Task),
		fmt.Sprintf("%s%d__:%s*", keyspaceChannelPrefix, db, p.Service),
	}
}

// KeyPatterns returns the SCAN patterns matching every task and service
// key.
func (p Prefixes) KeyPatterns() []string {
	return []string{p.Task + "*", p.Service + "*"}
}

// ParseChannel extracts and classifies the key of a keyspace channel
// such as __keyspace@0__:task:abc-def.
func (p Prefixes) ParseChannel(channel string) (Key, error) {
	if !strings.HasPrefix(channel, keyspaceChannelPrefix) {
		return Key{}, fmt.Errorf("%w: channel %q", ErrMalformed, channel)
	}

	rest := channel[len(keyspaceChannelPrefix):]

	idx := strings.Index(rest, "__:")
	if idx <= 0 {
		return Key{}, fmt.Errorf("%w: channel %q", ErrMalformed, channel)
	}

	return p.ParseKey(rest[idx+len("__:"):])
}

// ParseKey classifies a raw key. Task keys are split at the first '-':
// report ids never contain one, test ids may.
func (p Prefixes) ParseKey(key string) (Key, error) {
	switch {
	case strings.HasPrefix(key, p.Task):
		ids := key[len(p.Task):]

		reportID, testID, ok := strings.Cut(ids, "-")
		if !ok || reportID == "" || testID == "" {
			return Key{}, fmt.Errorf("%w: task key %q", ErrMalformed, key)
		}

		return Key{Raw: key, Kind: KindTask, ReportID: reportID, TestID: testID}, nil
	case strings.HasPrefix(key, p.Service):
		id := key[len(p.Service):]
		if id == "" {
			return Key{}, fmt.Errorf("%w: service key %q", ErrMalformed, key)
		}

		return Key{Raw: key, Kind: KindService, EntityID: id}, nil
	default:
		return Key{}, fmt.Errorf("%w: unknown key %q", ErrMalformed, key)
	}
}
