package notify

import (
	"fmt"
	"net/url"
	"strings"
)

// Topic suffixes under {prefix}/{owner}/{recordId}/
const (
	SuffixSignals   = "signals"
	SuffixAnchors   = "anchors"
	SuffixOccupancy = "occupancy"
)

// segmentEscaper keeps owner and record ids from introducing extra topic
// levels or wildcards
var segmentEscaper = strings.NewReplacer("%", "%25", "/", "%2F", "+", "%2B", "#", "%23")

func escapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

// RecordTopic builds {prefix}/{owner}/{recordId}/{suffix}
func RecordTopic(prefix, ownerID, recordID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/%s", prefix, escapeSegment(ownerID), escapeSegment(recordID), suffix)
}

// OccupancyFilter is the subscription filter for occupancy updates of every record
func OccupancyFilter(prefix string) string {
	return prefix + "/+/+/" + SuffixOccupancy
}

// ParseRecordTopic splits a topic built by RecordTopic back into its parts
func ParseRecordTopic(prefix, topic string) (ownerID, recordID, suffix string, err error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", "", "", fmt.Errorf("topic %q is outside prefix %q", topic, prefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("topic %q is not {prefix}/{owner}/{record}/{suffix}", topic)
	}
	if ownerID, err = url.PathUnescape(parts[0]); err != nil {
		return "", "", "", fmt.Errorf("topic %q: owner: %w", topic, err)
	}
	if recordID, err = url.PathUnescape(parts[1]); err != nil {
		return "", "", "", fmt.Errorf("topic %q: record: %w", topic, err)
	}
	return ownerID, recordID, parts[2], nil
}
