package meta

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quarry-labs/quarry/common"
	"github.com/quarry-labs/quarry/compress"
)

// VersionStatus is the lifecycle state of one version of a store. Only online versions are servable.
type VersionStatus int

const (
	VersionStatusNotCreated VersionStatus = iota
	VersionStatusStarted
	VersionStatusPushed
	VersionStatusOnline
	VersionStatusError
	VersionStatusKilled
)

func (s VersionStatus) String() string {
	switch s {
	case VersionStatusNotCreated:
		return "not-created"
	case VersionStatusStarted:
		return "started"
	case VersionStatusPushed:
		return "pushed"
	case VersionStatusOnline:
		return "online"
	case VersionStatusError:
		return "error"
	case VersionStatusKilled:
		return "killed"
	default:
		panic("unknown version status")
	}
}

func VersionStatusFromString(str string) (VersionStatus, bool) {
	switch str {
	case "not-created":
		return VersionStatusNotCreated, true
	case "started":
		return VersionStatusStarted, true
	case "pushed":
		return VersionStatusPushed, true
	case "online":
		return VersionStatusOnline, true
	case "error":
		return VersionStatusError, true
	case "killed":
		return VersionStatusKilled, true
	default:
		return VersionStatusNotCreated, false
	}
}

// Version is one immutable snapshot of a store version's metadata.
type Version struct {
	StoreName           string
	Number              int
	Status              VersionStatus
	CompressionStrategy compress.Strategy
}

// TopicName returns the canonical identifier of the version, "<store>_v<number>". It is used as the primary
// key throughout the serving path.
func (v *Version) TopicName() string {
	return ComposeTopicName(v.StoreName, v.Number)
}

func ComposeTopicName(storeName string, versionNumber int) string {
	return fmt.Sprintf("%s_v%d", storeName, versionNumber)
}

// ParseStoreFromTopicName extracts the store name from a topic name. Store names may themselves contain
// underscores so the version suffix is located from the end.
func ParseStoreFromTopicName(topic string) (string, error) {
	idx := strings.LastIndex(topic, "_v")
	if idx <= 0 {
		return "", common.NewQuarryErrorf(common.InvalidTopicName, "invalid topic name: %s", topic)
	}
	return topic[:idx], nil
}

func ParseVersionFromTopicName(topic string) (int, error) {
	idx := strings.LastIndex(topic, "_v")
	if idx <= 0 || idx+2 >= len(topic) {
		return 0, common.NewQuarryErrorf(common.InvalidTopicName, "invalid topic name: %s", topic)
	}
	number, err := strconv.Atoi(topic[idx+2:])
	if err != nil {
		return 0, common.NewQuarryErrorf(common.InvalidTopicName, "invalid topic name: %s", topic)
	}
	return number, nil
}
