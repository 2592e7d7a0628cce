package dataplane

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	topicDestinationPrefix   = "/topic/"
	userQueueDestinationRoot = "/user/"
)

// supportedStompVersions in order of preference
var supportedStompVersions = []string{"1.2", "1.1", "1.0"}

// negotiateVersion pick the highest mutually supported protocol version. A missing
// accept-version header means the client speaks 1.0.
func negotiateVersion(acceptVersion string) (string, error) {
	if acceptVersion == "" {
		return "1.0", nil
	}
	offered := map[string]bool{}
	for _, version := range strings.Split(acceptVersion, ",") {
		offered[strings.TrimSpace(version)] = true
	}
	for _, version := range supportedStompVersions {
		if offered[version] {
			return version, nil
		}
	}
	return "", fmt.Errorf(
		"no supported protocol version in '%s', supported: %s",
		acceptVersion, strings.Join(supportedStompVersions, ","),
	)
}

// subscribeDestinationToPattern map a SUBSCRIBE destination onto a broker topic pattern
func subscribeDestinationToPattern(destination string) (string, error) {
	if topic, ok := strings.CutPrefix(destination, topicDestinationPrefix); ok {
		return topic, nil
	}
	if queue, ok := strings.CutPrefix(destination, userQueueDestinationRoot+"queue/"); ok {
		return "user/queue/" + queue, nil
	}
	return "", fmt.Errorf("unsupported subscription destination '%s'", destination)
}

// sendDestinationToTopic map a SEND destination onto a broker publish topic
func sendDestinationToTopic(destination string) (string, error) {
	if topic, ok := strings.CutPrefix(destination, topicDestinationPrefix); ok {
		return topic, nil
	}
	if rest, ok := strings.CutPrefix(destination, userQueueDestinationRoot); ok {
		return "user/" + rest, nil
	}
	return "", fmt.Errorf("unsupported send destination '%s'", destination)
}

// heartBeatHeader the heart-beat header value advertising the interval in both directions
func heartBeatHeader(intervalMs int) string {
	interval := strconv.Itoa(intervalMs)
	return interval + "," + interval
}

// isHeartBeat whether a websocket message is a bare STOMP heart-beat
func isHeartBeat(payload []byte) bool {
	return len(bytes.Trim(payload, "\r\n")) == 0
}
