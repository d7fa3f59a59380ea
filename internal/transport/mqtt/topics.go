package mqtt

import "strings"

// Topic layout: cleanroute/bins/<device>/<kind>.
const (
	topicRoot = "cleanroute/bins"

	KindTelemetry = "telemetry"
	KindRegister  = "register"
	KindAck       = "ack"
	KindCommand   = "command"

	// BroadcastTarget is the device segment addressing every bin at once.
	BroadcastTarget = "broadcast"
)

// Inbound subscription filters.
var (
	TelemetryFilter = topicRoot + "/+/" + KindTelemetry
	RegisterFilter  = topicRoot + "/+/" + KindRegister
	AckFilter       = topicRoot + "/+/" + KindAck
)

// CommandTopic returns the command topic for a device or BroadcastTarget.
func CommandTopic(target string) string {
	return topicRoot + "/" + target + "/" + KindCommand
}

// ParseTopic splits a bin topic into its device id and kind.
func ParseTopic(topic string) (deviceID, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, topicRoot+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	if strings.ContainsAny(parts[0], "+#") {
		return "", "", false
	}
	return parts[0], parts[1], true
}
