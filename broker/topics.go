package broker

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	userTopicRoot    = "user/"
	userQueueSegment = "queue"
)

var topicSegmentRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// validateSegments check that every "/" separated segment is well formed
func validateSegments(name string) error {
	if name == "" {
		return fmt.Errorf("empty topic")
	}
	for _, segment := range strings.Split(name, "/") {
		if !topicSegmentRegex.MatchString(segment) {
			return fmt.Errorf("topic '%s' has invalid segment '%s'", name, segment)
		}
	}
	return nil
}

// IsUserTopic whether the topic is a per-user queue
func IsUserTopic(topic string) bool {
	return strings.HasPrefix(topic, userTopicRoot)
}

// UserQueueTopic the internal topic of a user's queue
func UserQueueTopic(userID, queue string) string {
	return fmt.Sprintf("%s%s/%s/%s", userTopicRoot, userID, userQueueSegment, queue)
}

// ResolveSubscribeTopic validate a subscription pattern and resolve it to the internal topic.
// "user/queue/<q>" resolves against userID to "user/<userID>/queue/<q>".
func ResolveSubscribeTopic(pattern string, userID string) (string, error) {
	if err := validateSegments(pattern); err != nil {
		return "", err
	}
	if !IsUserTopic(pattern) {
		return pattern, nil
	}
	queue := strings.TrimPrefix(pattern, userTopicRoot+userQueueSegment+"/")
	if queue == pattern {
		return "", fmt.Errorf("'%s' is not a user queue subscription", pattern)
	}
	if userID == "" {
		return "", fmt.Errorf("user queue '%s' requires an authenticated user", pattern)
	}
	if !topicSegmentRegex.MatchString(userID) {
		return "", fmt.Errorf("user '%s' can not own a queue", userID)
	}
	return UserQueueTopic(userID, queue), nil
}

// ValidatePublishTopic validate a publish topic. Per-user queues must be addressed
// as "user/<userID>/queue/<q>".
func ValidatePublishTopic(topic string) error {
	if err := validateSegments(topic); err != nil {
		return err
	}
	if !IsUserTopic(topic) {
		return nil
	}
	segments := strings.Split(topic, "/")
	if len(segments) < 4 || segments[2] != userQueueSegment {
		return fmt.Errorf("'%s' is not a user queue topic", topic)
	}
	return nil
}
